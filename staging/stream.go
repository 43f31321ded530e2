package staging

import (
	"context"
	"log/slog"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/guestvk/internal/utils"
)

const (
	// DefaultBlockSize is the initial buffer size and minimum growth increment of a Stream
	DefaultBlockSize = 512 * 1024

	// SyncWordSize is the size of the word at the start of every shared block
	SyncWordSize = 8
)

const (
	// SyncWordReadComplete is written by the host once it has finished reading a flushed block
	SyncWordReadComplete uint64 = 0
	// SyncWordReadPending is written by the guest immediately before a block is handed to the host
	SyncWordReadPending uint64 = 1
)

// Stream stages the encoded commands of one command buffer recording until they are flushed.
// It is not safe for concurrent use.
type Stream struct {
	logger    *slog.Logger
	source    MemorySource
	blockSize int
	backoff   utils.Backoff

	block  Block
	buffer []byte
	cursor int

	growthCount  int
	flushPending bool
	failed       bool
}

func NewStream(logger *slog.Logger, source MemorySource, blockSize int, backoff utils.Backoff) *Stream {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &Stream{
		logger:    logger,
		source:    source,
		blockSize: blockSize,
		backoff:   backoff,
	}
}

func (s *Stream) syncWord() *uint64 {
	if s.block == nil || !s.source.Shared() {
		return nil
	}
	return (*uint64)(unsafe.Pointer(unsafe.SliceData(s.block.Bytes())))
}

func (s *Stream) readComplete() bool {
	word := s.syncWord()
	return word == nil || atomic.LoadUint64(word) == SyncWordReadComplete
}

// reclaim waits until the host is done with the current block
func (s *Stream) reclaim() {
	if !s.flushPending {
		return
	}
	if !s.readComplete() {
		s.backoff.Wait(s.logger, "still waiting for the host to finish reading a staging buffer", s.readComplete)
	}
	s.flushPending = false
}

func (s *Stream) allocateBlock(size int) (Block, []byte, error) {
	header := 0
	if s.source.Shared() {
		header = SyncWordSize
	}

	block, err := s.source.Allocate(size + header)
	if err != nil {
		return nil, nil, err
	}
	bytes := block.Bytes()
	if header > 0 {
		atomic.StoreUint64((*uint64)(unsafe.Pointer(unsafe.SliceData(bytes))), SyncWordReadComplete)
	}
	return block, bytes[header : header+size : header+size], nil
}

func (s *Stream) release() {
	if s.block == nil {
		return
	}
	s.reclaim()
	s.block.Release()
	s.block = nil
	s.buffer = nil
}

func (s *Stream) fail(err error, size int) {
	s.logger.LogAttrs(context.Background(), slog.LevelError, "failed to allocate staging buffer",
		slog.Int("size", size),
		slog.Any("error", err),
	)
	s.release()
	s.failed = true
}

// AllocateBuffer returns the writable region at the cursor, which holds at least minSize bytes.
// The buffer grows to 2*capacity + max(minSize, blockSize) when it is too small, keeping
// everything written so far. It returns nil if the backing memory could not be allocated, after
// which the stream cannot be flushed until it is reset.
func (s *Stream) AllocateBuffer(minSize int) []byte {
	if s.failed {
		return nil
	}
	if s.cursor == 0 {
		s.reclaim()
	}

	if s.buffer == nil {
		block, buffer, err := s.allocateBlock(max(minSize, s.blockSize))
		if err != nil {
			s.fail(err, max(minSize, s.blockSize))
			return nil
		}
		s.block = block
		s.buffer = buffer
	}

	if s.cursor+minSize > len(s.buffer) {
		newSize := 2*len(s.buffer) + max(minSize, s.blockSize)
		block, buffer, err := s.allocateBlock(newSize)
		if err != nil {
			s.fail(err, newSize)
			return nil
		}

		copy(buffer, s.buffer[:s.cursor])
		s.release()
		s.block = block
		s.buffer = buffer
		s.growthCount++
	}

	return s.buffer[s.cursor:]
}

// Write stages data at the cursor and commits it
func (s *Stream) Write(data []byte) bool {
	buffer := s.AllocateBuffer(len(data))
	if buffer == nil {
		return false
	}
	copy(buffer, data)
	s.Commit(len(data))
	return true
}

// Commit advances the cursor past size bytes written into the region returned by AllocateBuffer
func (s *Stream) Commit(size int) {
	if size < 0 || s.cursor+size > len(s.buffer) {
		panic(errors.AssertionFailedf("committed %d bytes at cursor %d of a %d byte staging buffer", size, s.cursor, len(s.buffer)))
	}
	s.cursor += size
}

// Reset rewinds the cursor without releasing the buffer
func (s *Stream) Reset() {
	s.cursor = 0
	s.failed = false
}

// Written returns the bytes committed since the last reset
func (s *Stream) Written() []byte {
	return s.buffer[:s.cursor]
}

func (s *Stream) Len() int         { return s.cursor }
func (s *Stream) Capacity() int    { return len(s.buffer) }
func (s *Stream) GrowthCount() int { return s.growthCount }

// Failed returns true if a buffer allocation failed since the last reset
func (s *Stream) Failed() bool { return s.failed }

// MarkFlushing flags the buffer as being read by the host and returns the bytes to hand to the
// transport. It panics if the stream lost its buffer to an allocation failure.
func (s *Stream) MarkFlushing() []byte {
	if s.failed || (s.buffer == nil && s.cursor > 0) {
		panic(errors.AssertionFailedf("flushing a staging stream whose buffer allocation failed"))
	}
	if s.cursor == 0 {
		return nil
	}

	if word := s.syncWord(); word != nil {
		atomic.StoreUint64(word, SyncWordReadPending)
	}
	s.flushPending = true
	return s.Written()
}

// Close releases the buffer, first waiting for the host to finish reading it
func (s *Stream) Close() {
	s.release()
	s.cursor = 0
}
