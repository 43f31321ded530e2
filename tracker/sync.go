package tracker

import (
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_1"
	"github.com/vkngwrapper/guestvk/registry"
	"github.com/vkngwrapper/guestvk/syncbridge"
	"github.com/vkngwrapper/guestvk/transport"
	"golang.org/x/sync/errgroup"
)

type fenceInfo struct {
	device registry.Handle
	state  *syncbridge.FenceState
}

func (f *fenceInfo) owner() registry.Handle { return f.device }

type semaphoreInfo struct {
	device registry.Handle
	state  *syncbridge.SemaphoreState
}

func (s *semaphoreInfo) owner() registry.Handle { return s.device }

// fdTimeout converts an API timeout to the form syncbridge.Wait expects
func fdTimeout(timeout time.Duration) time.Duration {
	if timeout == common.NoTimeout {
		return -1
	}
	return timeout
}

// CreateFence creates a fence. When exportSyncFD is true, the fence's payload may be exported
// as a sync-fd.
func (t *ResourceTracker) CreateFence(enc transport.Encoder, device registry.Handle, createInfo core1_0.FenceCreateInfo, exportSyncFD bool) (registry.Handle, common.VkResult, error) {
	fence, res, err := t.createOnHost(enc, device, registry.KindFence, createInfo)
	if err != nil {
		return registry.NullHandle, res, err
	}

	t.fences.Insert(fence, &fenceInfo{
		device: device,
		state:  syncbridge.NewFenceState(fence, exportSyncFD),
	})
	return fence, core1_0.VKSuccess, nil
}

// DestroyFence destroys a fence, closing any sync-fd imported into it
func (t *ResourceTracker) DestroyFence(enc transport.Encoder, fence registry.Handle) error {
	info, ok, err := destroyOwnedObject(enc, t.fences, fence)
	if ok {
		closeSyncState(t.logger, fence, info.state.Close)
	}
	return err
}

// ResetFences returns fences to the unsignaled state. Imported sync-fds are closed.
func (t *ResourceTracker) ResetFences(enc transport.Encoder, device registry.Handle, fences []registry.Handle) (common.VkResult, error) {
	states := make([]*syncbridge.FenceState, 0, len(fences))
	for _, fence := range fences {
		info, res, err := lookup(t.fences, fence, registry.KindFence)
		if err != nil {
			return res, err
		}
		if info.device != device {
			return core1_0.VKErrorUnknown, errors.Newf("%s belongs to %s, not %s", fence, info.device, device)
		}
		states = append(states, info.state)
	}

	for i, state := range states {
		closeSyncState(t.logger, fences[i], state.Reset)
	}

	res, err := enc.ResetFences(device, fences)
	if err != nil {
		return hostFailure(res, err, core1_0.VKErrorOutOfHostMemory), err
	}
	return res, nil
}

// GetFenceStatus returns core1_0.VKSuccess if fence is signaled and core1_0.VKNotReady if it is
// not. A fence holding an imported sync-fd is checked locally.
func (t *ResourceTracker) GetFenceStatus(enc transport.Encoder, fence registry.Handle) (common.VkResult, error) {
	info, res, err := lookup(t.fences, fence, registry.KindFence)
	if err != nil {
		return res, err
	}

	fd, ok, err := info.state.DupForWait()
	if err != nil {
		return core1_0.VKErrorOutOfHostMemory, err
	}
	if !ok {
		res, err = enc.GetFenceStatus(info.device, fence)
		if err != nil {
			return hostFailure(res, err, core1_0.VKErrorDeviceLost), err
		}
		return res, nil
	}
	defer syncbridge.Close(fd)

	signaled, err := syncbridge.Wait(fd, 0)
	if err != nil {
		return core1_0.VKErrorDeviceLost, err
	}
	if !signaled {
		return core1_0.VKNotReady, nil
	}
	return core1_0.VKSuccess, nil
}

// WaitForFences waits for all or any of fences to signal, or for timeout to pass. Fences holding
// an imported sync-fd are waited on locally while the rest are waited on by the host.
func (t *ResourceTracker) WaitForFences(enc transport.Encoder, device registry.Handle, fences []registry.Handle, waitAll bool, timeout time.Duration) (common.VkResult, error) {
	if _, res, err := t.device(device); err != nil {
		return res, err
	}

	var hostFences []registry.Handle
	var fds []int
	defer func() {
		for _, fd := range fds {
			_ = syncbridge.Close(fd)
		}
	}()

	for _, fence := range fences {
		info, res, err := lookup(t.fences, fence, registry.KindFence)
		if err != nil {
			return res, err
		}
		if info.device != device {
			return core1_0.VKErrorUnknown, errors.Newf("%s belongs to %s, not %s", fence, info.device, device)
		}

		fd, ok, err := info.state.DupForWait()
		if err != nil {
			return core1_0.VKErrorOutOfHostMemory, err
		}
		if ok {
			fds = append(fds, fd)
		} else {
			hostFences = append(hostFences, fence)
		}
	}

	if len(fds) == 0 {
		res, err := enc.WaitForFences(device, hostFences, waitAll, timeout)
		if err != nil {
			return hostFailure(res, err, core1_0.VKErrorDeviceLost), err
		}
		return res, nil
	}

	if !waitAll {
		return t.waitAnyFence(enc, device, hostFences, fds, fdTimeout(timeout))
	}

	var timedOut atomic.Bool
	var group errgroup.Group

	if len(hostFences) > 0 {
		group.Go(func() error {
			res, err := enc.WaitForFences(device, hostFences, true, timeout)
			if err != nil {
				return errors.Wrapf(err, "wait for %d host fences (%s)", len(hostFences), res)
			}
			if res == core1_0.VKTimeout {
				timedOut.Store(true)
			}
			return nil
		})
	}

	for _, fd := range fds {
		fd := fd
		group.Go(func() error {
			signaled, err := syncbridge.Wait(fd, fdTimeout(timeout))
			if err != nil {
				return err
			}
			if !signaled {
				timedOut.Store(true)
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return core1_0.VKErrorDeviceLost, err
	}
	if timedOut.Load() {
		return core1_0.VKTimeout, nil
	}
	return core1_0.VKSuccess, nil
}

// waitAnyFence polls local sync-fds and host fences until one of them signals
func (t *ResourceTracker) waitAnyFence(enc transport.Encoder, device registry.Handle, hostFences []registry.Handle, fds []int, timeout time.Duration) (common.VkResult, error) {
	var waitErr error

	done := t.backoff.WaitTimeout(timeout, func() bool {
		for _, fd := range fds {
			signaled, err := syncbridge.Wait(fd, 0)
			if err != nil {
				waitErr = err
				return true
			}
			if signaled {
				return true
			}
		}

		for _, fence := range hostFences {
			res, err := enc.GetFenceStatus(device, fence)
			if err != nil {
				waitErr = err
				return true
			}
			if res == core1_0.VKSuccess {
				return true
			}
		}
		return false
	})

	if waitErr != nil {
		return core1_0.VKErrorDeviceLost, waitErr
	}
	if !done {
		return core1_0.VKTimeout, nil
	}
	return core1_0.VKSuccess, nil
}

// GetFenceFd exports the fence's payload as a sync-fd owned by the caller
func (t *ResourceTracker) GetFenceFd(enc transport.Encoder, fence registry.Handle) (int, common.VkResult, error) {
	info, res, err := lookup(t.fences, fence, registry.KindFence)
	if err != nil {
		return syncbridge.InvalidFD, res, err
	}
	return info.state.Export(enc, info.device)
}

// ImportFenceFd makes fd the fence's payload. The fence takes ownership of fd only on success.
func (t *ResourceTracker) ImportFenceFd(fence registry.Handle, fd int) (common.VkResult, error) {
	info, res, err := lookup(t.fences, fence, registry.KindFence)
	if err != nil {
		return res, err
	}
	if err := info.state.Import(fd); err != nil {
		return core1_1.VkErrorInvalidExternalHandle, err
	}
	return core1_0.VKSuccess, nil
}

// CreateSemaphore creates a binary semaphore. When exportSyncFD is true, the semaphore's payload
// may be exported as a sync-fd.
func (t *ResourceTracker) CreateSemaphore(enc transport.Encoder, device registry.Handle, createInfo core1_0.SemaphoreCreateInfo, exportSyncFD bool) (registry.Handle, common.VkResult, error) {
	semaphore, res, err := t.createOnHost(enc, device, registry.KindSemaphore, createInfo)
	if err != nil {
		return registry.NullHandle, res, err
	}

	t.semaphores.Insert(semaphore, &semaphoreInfo{
		device: device,
		state:  syncbridge.NewSemaphoreState(semaphore, exportSyncFD),
	})
	return semaphore, core1_0.VKSuccess, nil
}

// DestroySemaphore destroys a semaphore, closing any sync-fd imported into it
func (t *ResourceTracker) DestroySemaphore(enc transport.Encoder, semaphore registry.Handle) error {
	info, ok, err := destroyOwnedObject(enc, t.semaphores, semaphore)
	if ok {
		closeSyncState(t.logger, semaphore, info.state.Close)
	}
	return err
}

// GetSemaphoreFd exports the semaphore's payload as a sync-fd owned by the caller
func (t *ResourceTracker) GetSemaphoreFd(enc transport.Encoder, semaphore registry.Handle) (int, common.VkResult, error) {
	info, res, err := lookup(t.semaphores, semaphore, registry.KindSemaphore)
	if err != nil {
		return syncbridge.InvalidFD, res, err
	}
	return info.state.Export(enc, info.device)
}

// ImportSemaphoreFd makes fd the semaphore's payload. The next submission that waits on the
// semaphore waits on fd locally and closes it.
func (t *ResourceTracker) ImportSemaphoreFd(semaphore registry.Handle, fd int) (common.VkResult, error) {
	info, res, err := lookup(t.semaphores, semaphore, registry.KindSemaphore)
	if err != nil {
		return res, err
	}
	if err := info.state.Import(fd); err != nil {
		return core1_1.VkErrorInvalidExternalHandle, err
	}
	return core1_0.VKSuccess, nil
}
