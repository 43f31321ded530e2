package syncbridge

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/guestvk/registry"
	"github.com/vkngwrapper/guestvk/transport"
)

// Sequencer orders the encoders that use one queue or command buffer. When a new encoder takes
// over, the previous encoder emits sync point N+1 and is flushed, then the new encoder emits sync
// point N+2 and the host holds it until point N+1 has been processed.
type Sequencer struct {
	logger *slog.Logger
	object registry.Handle

	mutex    sync.Mutex
	encoder  transport.Encoder
	sequence uint32
}

func NewSequencer(logger *slog.Logger, object registry.Handle) *Sequencer {
	return &Sequencer{logger: logger, object: object}
}

// Handoff makes enc the object's current encoder
func (s *Sequencer) Handoff(enc transport.Encoder) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.encoder == nil {
		s.encoder = enc
		return nil
	}
	if s.encoder == enc {
		return nil
	}

	previous := s.encoder
	err := previous.HostSync(s.object, false, s.sequence+1)
	if err != nil {
		return errors.Wrapf(err, "emit sync point %d for %s", s.sequence+1, s.object)
	}
	err = previous.Flush()
	if err != nil {
		return errors.Wrapf(err, "flush previous encoder of %s", s.object)
	}
	err = enc.HostSync(s.object, true, s.sequence+2)
	if err != nil {
		return errors.Wrapf(err, "emit sync point %d for %s", s.sequence+2, s.object)
	}

	s.sequence += 2
	s.encoder = enc

	s.logger.LogAttrs(context.Background(), slog.LevelDebug, "Encoder handoff",
		slog.String("object", s.object.String()),
		slog.Uint64("sequence", uint64(s.sequence)),
	)
	return nil
}

// Forget drops enc if it is the current encoder, so the next Handoff needs no sync points
func (s *Sequencer) Forget(enc transport.Encoder) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.encoder == enc {
		s.encoder = nil
	}
}

func (s *Sequencer) Encoder() transport.Encoder {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.encoder
}

func (s *Sequencer) Sequence() uint32 {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.sequence
}
