package syncbridge

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_1"
	"github.com/vkngwrapper/guestvk/registry"
	"github.com/vkngwrapper/guestvk/transport"
)

var ErrNotExportable = errors.New("object was not created with an exportable sync-fd handle type")

// syncState owns at most one cached sync-fd for a fence or semaphore
type syncState struct {
	mutex      sync.Mutex
	object     registry.Handle
	exportable bool
	fd         int
}

func (s *syncState) init(object registry.Handle, exportable bool) {
	s.object = object
	s.exportable = exportable
	s.fd = InvalidFD
}

func (s *syncState) Exportable() bool {
	return s.exportable
}

// HasFD returns true if a sync-fd is cached
func (s *syncState) HasFD() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.fd >= 0
}

// Export returns a sync-fd that the caller owns. A cached sync-fd is duplicated, otherwise the
// host mints a new one.
func (s *syncState) Export(enc transport.Encoder, device registry.Handle) (int, common.VkResult, error) {
	if !s.exportable {
		return InvalidFD, core1_1.VkErrorInvalidExternalHandle, errors.Wrapf(ErrNotExportable, "export %s", s.object)
	}

	s.mutex.Lock()
	if s.fd >= 0 {
		defer s.mutex.Unlock()

		fd, err := Dup(s.fd)
		if err != nil {
			return InvalidFD, core1_0.VKErrorOutOfHostMemory, err
		}
		return fd, core1_0.VKSuccess, nil
	}
	s.mutex.Unlock()

	fd, res, err := enc.ExportSyncFD(device, s.object)
	if err != nil {
		return InvalidFD, res, err
	}
	return fd, res, nil
}

// Import replaces the cached sync-fd with fd, taking ownership of it. The previous sync-fd is
// closed first.
func (s *syncState) Import(fd int) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	previous := s.fd
	s.fd = fd
	return Close(previous)
}

// TakeForWait hands the cached sync-fd to the caller, who must close it. InvalidFD is returned
// when nothing is cached.
func (s *syncState) TakeForWait() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	fd := s.fd
	s.fd = InvalidFD
	return fd
}

// DupForWait returns a duplicate of the cached sync-fd for the caller to wait on and close.
func (s *syncState) DupForWait() (int, bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.fd < 0 {
		return InvalidFD, false, nil
	}
	fd, err := Dup(s.fd)
	return fd, err == nil, err
}

// Close closes the cached sync-fd
func (s *syncState) Close() error {
	return s.Import(InvalidFD)
}

// FenceState is the sync-fd state of a fence
type FenceState struct {
	syncState
}

func NewFenceState(fence registry.Handle, exportable bool) *FenceState {
	state := &FenceState{}
	state.init(fence, exportable)
	return state
}

// Reset drops an imported payload, returning the fence to the host's state
func (s *FenceState) Reset() error {
	return s.Close()
}

// SemaphoreState is the sync-fd state of a semaphore
type SemaphoreState struct {
	syncState
}

func NewSemaphoreState(semaphore registry.Handle, exportable bool) *SemaphoreState {
	state := &SemaphoreState{}
	state.init(semaphore, exportable)
	return state
}
