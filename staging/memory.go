package staging

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/guestvk/coherent"
	"github.com/vkngwrapper/guestvk/registry"
	"github.com/vkngwrapper/guestvk/transport"
)

var ErrOutOfMemory = errors.New("staging memory exhausted")

// Block is one backing buffer of a Stream
type Block interface {
	Bytes() []byte
	Release()
}

// MemorySource provides the backing buffers of a Stream. Shared sources hand out memory that the
// host reads in place, so a Stream keeps a sync word at the start of each shared block.
type MemorySource interface {
	Allocate(size int) (Block, error)
	Shared() bool
}

// HeapMemory allocates stream buffers from the Go heap
type HeapMemory struct {
	// Limit is the largest buffer that may be allocated. Zero means no limit.
	Limit int
}

type heapBlock []byte

func (b heapBlock) Bytes() []byte { return b }
func (b heapBlock) Release()      {}

func (m HeapMemory) Allocate(size int) (Block, error) {
	if m.Limit > 0 && size > m.Limit {
		return nil, errors.Wrapf(ErrOutOfMemory, "%d byte buffer exceeds the %d byte limit", size, m.Limit)
	}
	return heapBlock(make([]byte, size)), nil
}

func (m HeapMemory) Shared() bool { return false }

// SharedMemory allocates stream buffers from coherent arenas that the host can read directly
type SharedMemory struct {
	Manager         *coherent.Manager
	Device          registry.Handle
	MemoryTypeIndex int
}

type sharedBlock struct {
	manager *coherent.Manager
	sub     *coherent.Suballocation
}

func (b *sharedBlock) Bytes() []byte { return b.sub.Data }

func (b *sharedBlock) Release() {
	err := b.manager.Free(b.sub)
	if err != nil {
		panic(errors.NewAssertionErrorWithWrappedErrf(err, "staging block was released twice"))
	}
}

func (m SharedMemory) Allocate(size int) (Block, error) {
	sub, res, err := m.Manager.Allocate(coherent.AllocateRequest{
		Device: m.Device,
		Info: transport.MemoryAllocateInfo{
			AllocationSize:  size,
			MemoryTypeIndex: m.MemoryTypeIndex,
		},
		Alignment: SyncWordSize,
	})
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "allocate %d byte shared staging block (%s)", size, res), ErrOutOfMemory)
	}
	return &sharedBlock{manager: m.Manager, sub: sub}, nil
}

func (m SharedMemory) Shared() bool { return true }
