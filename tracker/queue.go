package tracker

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/guestvk/registry"
	"github.com/vkngwrapper/guestvk/staging"
	"github.com/vkngwrapper/guestvk/syncbridge"
	"github.com/vkngwrapper/guestvk/transport"
)

func (t *ResourceTracker) semaphoreStates(device registry.Handle, semaphores []registry.Handle) ([]*syncbridge.SemaphoreState, common.VkResult, error) {
	states := make([]*syncbridge.SemaphoreState, 0, len(semaphores))
	for _, semaphore := range semaphores {
		info, res, err := lookup(t.semaphores, semaphore, registry.KindSemaphore)
		if err != nil {
			return nil, res, err
		}
		if info.device != device {
			return nil, core1_0.VKErrorUnknown, errors.Newf("%s belongs to %s, not %s", semaphore, info.device, device)
		}
		states = append(states, info.state)
	}
	return states, core1_0.VKSuccess, nil
}

// waitImported waits on the sync-fds imported into semaphores and consumes them. Semaphores
// without an imported payload are left to the host.
func waitImported(states []*syncbridge.SemaphoreState) error {
	var err error
	for _, state := range states {
		fd := state.TakeForWait()
		if fd < 0 {
			continue
		}

		_, waitErr := syncbridge.Wait(fd, -1)
		err = errors.CombineErrors(err, waitErr)
		err = errors.CombineErrors(err, syncbridge.Close(fd))
	}
	return err
}

// flushSubmissionLocked commits the descriptor updates the submitted command buffers depend on,
// then flushes their staged recordings to queue. Secondaries are flushed before the primaries
// that execute them.
func (t *ResourceTracker) flushSubmissionLocked(enc transport.Encoder, queue registry.Handle, device registry.Handle, submits []transport.SubmitInfo) (common.VkResult, error) {
	seen := make(map[registry.Handle]struct{})
	var order []registry.Handle

	for _, submit := range submits {
		for _, commandBuffer := range submit.CommandBuffers {
			info, res, err := t.lookupCommandBufferLocked(commandBuffer)
			if err != nil {
				return res, err
			}
			if info.device != device {
				return core1_0.VKErrorUnknown, errors.Newf("%s belongs to %s, not %s", commandBuffer, info.device, device)
			}
			if info.level != core1_0.CommandBufferLevelPrimary {
				return core1_0.VKErrorUnknown, errors.Newf("%s is not a primary command buffer", commandBuffer)
			}
			if info.recording {
				return core1_0.VKErrorUnknown, errors.Newf("%s is still recording", commandBuffer)
			}
			order = t.collectLocked(commandBuffer, seen, order)
		}
	}

	usedSets := make(map[registry.Handle]struct{})
	var sets []registry.Handle
	for _, commandBuffer := range order {
		info, _ := t.commandBuffers.Get(commandBuffer)
		if info.stream.Failed() {
			return core1_0.VKErrorOutOfHostMemory, errors.Wrapf(staging.ErrOutOfMemory, "recording of %s", commandBuffer)
		}

		for _, set := range sortedSet(info.descriptorSets) {
			if _, ok := usedSets[set]; ok {
				continue
			}
			usedSets[set] = struct{}{}
			sets = append(sets, set)
		}
	}

	batch, released := t.descriptors.Commit(sets)
	if !batch.IsEmpty() {
		err := enc.CommitDescriptorSetUpdates(queue, batch)
		if err != nil {
			return core1_0.VKErrorDeviceLost, errors.Wrapf(err, "commit descriptor updates of %d sets", len(sets))
		}
	}
	// Layouts destroyed while these sets were pending go only after the host has realized the sets
	if err := t.destroyReleasedLayouts(enc, released); err != nil {
		return core1_0.VKErrorDeviceLost, errors.Wrap(err, "destroy released descriptor set layouts")
	}

	for _, commandBuffer := range order {
		info, _ := t.commandBuffers.Get(commandBuffer)

		err := info.sequencer.Handoff(enc)
		if err != nil {
			return core1_0.VKErrorDeviceLost, err
		}

		data := info.stream.MarkFlushing()
		if data == nil {
			continue
		}

		err = enc.QueueFlushCommands(queue, commandBuffer, data)
		if err != nil {
			return core1_0.VKErrorDeviceLost, errors.Wrapf(err, "flush %d bytes of %s", len(data), commandBuffer)
		}
		info.stream.Reset()
	}

	return core1_0.VKSuccess, nil
}

// QueueSubmit submits command buffers to queue. Before the submission reaches the host, the
// pending descriptor updates of every set the command buffers bind are committed and their
// staged recordings are flushed. Sync-fds imported into wait semaphores are waited on in the
// guest.
func (t *ResourceTracker) QueueSubmit(enc transport.Encoder, queue registry.Handle, submits []transport.SubmitInfo, fence registry.Handle) (common.VkResult, error) {
	queueData, res, err := lookup(t.queues, queue, registry.KindQueue)
	if err != nil {
		return res, err
	}

	var fenceState *syncbridge.FenceState
	if !fence.IsNull() {
		fenceData, res, err := lookup(t.fences, fence, registry.KindFence)
		if err != nil {
			return res, err
		}
		if fenceData.device != queueData.device {
			return core1_0.VKErrorUnknown, errors.Newf("%s belongs to %s, not %s", fence, fenceData.device, queueData.device)
		}
		fenceState = fenceData.state
	}

	var waits, signals []*syncbridge.SemaphoreState
	for _, submit := range submits {
		if len(submit.WaitDstStageMask) != len(submit.WaitSemaphores) {
			return core1_0.VKErrorUnknown, errors.Newf("%d wait semaphores with %d stage masks", len(submit.WaitSemaphores), len(submit.WaitDstStageMask))
		}

		states, res, err := t.semaphoreStates(queueData.device, submit.WaitSemaphores)
		if err != nil {
			return res, err
		}
		waits = append(waits, states...)

		states, res, err = t.semaphoreStates(queueData.device, submit.SignalSemaphores)
		if err != nil {
			return res, err
		}
		signals = append(signals, states...)
	}

	err = queueData.sequencer.Handoff(enc)
	if err != nil {
		return core1_0.VKErrorDeviceLost, err
	}

	t.commandLock.Lock()
	res, err = t.flushSubmissionLocked(enc, queue, queueData.device, submits)
	t.commandLock.Unlock()
	if err != nil {
		return res, err
	}

	err = waitImported(waits)
	if err != nil {
		return core1_0.VKErrorDeviceLost, errors.Wrapf(err, "wait on imported semaphore payloads for %s", queue)
	}

	// The submission replaces whatever payload was imported into the objects it signals
	for _, state := range signals {
		closeSyncState(t.logger, queue, state.Close)
	}
	if fenceState != nil {
		closeSyncState(t.logger, fence, fenceState.Reset)
	}

	res, err = enc.QueueSubmit(queue, submits, fence)
	if err != nil {
		return hostFailure(res, err, core1_0.VKErrorDeviceLost), err
	}

	err = enc.Flush()
	if err != nil {
		return core1_0.VKErrorDeviceLost, errors.Wrapf(err, "flush submission to %s", queue)
	}

	t.logger.LogAttrs(context.Background(), slog.LevelDebug, "Queue submission",
		slog.String("queue", queue.String()),
		slog.Int("submits", len(submits)),
		slog.Int("waits", len(waits)),
		slog.Int("signals", len(signals)),
	)
	return res, nil
}

// QueueWaitIdle blocks until every submission to queue has completed
func (t *ResourceTracker) QueueWaitIdle(enc transport.Encoder, queue registry.Handle) (common.VkResult, error) {
	queueData, res, err := lookup(t.queues, queue, registry.KindQueue)
	if err != nil {
		return res, err
	}

	err = queueData.sequencer.Handoff(enc)
	if err != nil {
		return core1_0.VKErrorDeviceLost, err
	}

	res, err = enc.QueueWaitIdle(queue)
	if err != nil {
		return hostFailure(res, err, core1_0.VKErrorDeviceLost), err
	}
	return res, nil
}

// QueueSignalReleaseImage returns a sync-fd that signals once waitSemaphores have signaled and
// image may be handed to the presentation engine. It returns -1 if there is nothing to wait for.
func (t *ResourceTracker) QueueSignalReleaseImage(enc transport.Encoder, queue registry.Handle, waitSemaphores []registry.Handle, image registry.Handle) (int, common.VkResult, error) {
	queueData, res, err := lookup(t.queues, queue, registry.KindQueue)
	if err != nil {
		return syncbridge.InvalidFD, res, err
	}

	imageData, res, err := lookup(t.images, image, registry.KindImage)
	if err != nil {
		return syncbridge.InvalidFD, res, err
	}
	if imageData.device != queueData.device {
		return syncbridge.InvalidFD, core1_0.VKErrorUnknown, errors.Newf("%s belongs to %s, not %s", image, imageData.device, queueData.device)
	}

	waits, res, err := t.semaphoreStates(queueData.device, waitSemaphores)
	if err != nil {
		return syncbridge.InvalidFD, res, err
	}

	err = queueData.sequencer.Handoff(enc)
	if err != nil {
		return syncbridge.InvalidFD, core1_0.VKErrorDeviceLost, err
	}

	err = waitImported(waits)
	if err != nil {
		return syncbridge.InvalidFD, core1_0.VKErrorDeviceLost, errors.Wrapf(err, "wait on imported semaphore payloads for %s", queue)
	}

	fd, res, err := enc.QueueSignalReleaseImage(queue, waitSemaphores, image)
	if err != nil {
		return syncbridge.InvalidFD, hostFailure(res, err, core1_0.VKErrorDeviceLost), err
	}
	return fd, res, nil
}
