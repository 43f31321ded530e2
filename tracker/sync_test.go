package tracker_test

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_1"
	"github.com/vkngwrapper/guestvk/registry"
	"github.com/vkngwrapper/guestvk/tracker"
	"github.com/vkngwrapper/guestvk/transport"
	"go.uber.org/mock/gomock"
	"golang.org/x/sys/unix"
)

// pipe returns a read end that behaves like an unsignaled sync-fd until the write end is written
func pipe(t *testing.T) (int, int) {
	fds := make([]int, 2)
	require.NoError(t, unix.Pipe(fds))
	t.Cleanup(func() {
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func signal(t *testing.T, writeEnd int) {
	_, err := unix.Write(writeEnd, []byte{1})
	require.NoError(t, err)
}

func isClosed(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return errors.Is(err, unix.EBADF)
}

func (f *fixture) fence(t *testing.T, exportable bool) registry.Handle {
	fence, res, err := f.tracker.CreateFence(f.enc, f.device, core1_0.FenceCreateInfo{}, exportable)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	return fence
}

func (f *fixture) semaphore(t *testing.T, exportable bool) registry.Handle {
	semaphore, res, err := f.tracker.CreateSemaphore(f.enc, f.device, core1_0.SemaphoreCreateInfo{}, exportable)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	return semaphore
}

func TestImportedFenceIsCheckedLocally(t *testing.T) {
	f := newFixture(t, tracker.CreateOptions{})
	fence := f.fence(t, false)

	readEnd, writeEnd := pipe(t)
	res, err := f.tracker.ImportFenceFd(fence, readEnd)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)

	res, err = f.tracker.GetFenceStatus(f.enc, fence)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKNotReady, res)

	signal(t, writeEnd)
	res, err = f.tracker.GetFenceStatus(f.enc, fence)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)

	// Resetting drops the imported payload, so the host answers from then on
	f.enc.EXPECT().ResetFences(f.device, []registry.Handle{fence}).Return(core1_0.VKSuccess, nil)
	_, err = f.tracker.ResetFences(f.enc, f.device, []registry.Handle{fence})
	require.NoError(t, err)
	require.True(t, isClosed(readEnd))

	f.enc.EXPECT().GetFenceStatus(f.device, fence).Return(core1_0.VKNotReady, nil)
	res, err = f.tracker.GetFenceStatus(f.enc, fence)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKNotReady, res)
}

func TestDestroyFenceClosesImportedFD(t *testing.T) {
	f := newFixture(t, tracker.CreateOptions{})
	fence := f.fence(t, false)

	readEnd, _ := pipe(t)
	_, err := f.tracker.ImportFenceFd(fence, readEnd)
	require.NoError(t, err)

	require.NoError(t, f.tracker.DestroyFence(f.enc, fence))
	require.True(t, isClosed(readEnd))
	require.NoError(t, f.tracker.DestroyFence(f.enc, fence))

	_, err = f.tracker.ImportFenceFd(fence, 0)
	require.ErrorIs(t, err, registry.ErrUnknownHandle)
}

func TestWaitForFencesWaitsOnHostAndLocalFences(t *testing.T) {
	f := newFixture(t, tracker.CreateOptions{})
	hostFence := f.fence(t, false)
	localFence := f.fence(t, false)

	readEnd, writeEnd := pipe(t)
	_, err := f.tracker.ImportFenceFd(localFence, readEnd)
	require.NoError(t, err)

	f.enc.EXPECT().WaitForFences(f.device, []registry.Handle{hostFence}, true, common.NoTimeout).Return(core1_0.VKSuccess, nil)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = unix.Write(writeEnd, []byte{1})
	}()

	res, err := f.tracker.WaitForFences(f.enc, f.device, []registry.Handle{hostFence, localFence}, true, common.NoTimeout)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)

	// Waiting leaves the imported payload in place
	require.False(t, isClosed(readEnd))
}

func TestWaitForFencesTimesOut(t *testing.T) {
	f := newFixture(t, tracker.CreateOptions{})
	fence := f.fence(t, false)

	readEnd, _ := pipe(t)
	_, err := f.tracker.ImportFenceFd(fence, readEnd)
	require.NoError(t, err)

	start := time.Now()
	res, err := f.tracker.WaitForFences(f.enc, f.device, []registry.Handle{fence}, true, 20*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKTimeout, res)
	require.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)

	res, err = f.tracker.WaitForFences(f.enc, f.device, []registry.Handle{fence}, false, 0)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKTimeout, res)
}

func TestWaitForAnyFence(t *testing.T) {
	f := newFixture(t, tracker.CreateOptions{})
	hostFence := f.fence(t, false)
	localFence := f.fence(t, false)

	readEnd, writeEnd := pipe(t)
	_, err := f.tracker.ImportFenceFd(localFence, readEnd)
	require.NoError(t, err)

	f.enc.EXPECT().GetFenceStatus(f.device, hostFence).Return(core1_0.VKNotReady, nil).AnyTimes()

	go func() {
		time.Sleep(5 * time.Millisecond)
		_, _ = unix.Write(writeEnd, []byte{1})
	}()

	res, err := f.tracker.WaitForFences(f.enc, f.device, []registry.Handle{hostFence, localFence}, false, time.Second)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
}

func TestWaitForHostFencesOnly(t *testing.T) {
	f := newFixture(t, tracker.CreateOptions{})
	fence := f.fence(t, false)

	f.enc.EXPECT().WaitForFences(f.device, []registry.Handle{fence}, false, time.Millisecond).Return(core1_0.VKTimeout, nil)
	res, err := f.tracker.WaitForFences(f.enc, f.device, []registry.Handle{fence}, false, time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKTimeout, res)

	f.enc.EXPECT().WaitForFences(f.device, []registry.Handle{fence}, true, common.NoTimeout).Return(core1_0.VKSuccess, errInjected)
	res, err = f.tracker.WaitForFences(f.enc, f.device, []registry.Handle{fence}, true, common.NoTimeout)
	require.ErrorIs(t, err, errInjected)
	require.Equal(t, core1_0.VKErrorDeviceLost, res)
}

func TestExportFence(t *testing.T) {
	f := newFixture(t, tracker.CreateOptions{})

	fence := f.fence(t, false)
	_, res, err := f.tracker.GetFenceFd(f.enc, fence)
	require.Error(t, err)
	require.Equal(t, core1_1.VkErrorInvalidExternalHandle, res)

	exportable := f.fence(t, true)
	f.enc.EXPECT().ExportSyncFD(f.device, exportable).Return(7, core1_0.VKSuccess, nil)
	fd, res, err := f.tracker.GetFenceFd(f.enc, exportable)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.Equal(t, 7, fd)
}

func TestSubmitWaitsOnImportedSemaphore(t *testing.T) {
	f := newFixture(t, tracker.CreateOptions{})
	waitSemaphore := f.semaphore(t, false)
	signalSemaphore := f.semaphore(t, true)
	fence := f.fence(t, false)

	waitEnd, waitWriteEnd := pipe(t)
	_, err := f.tracker.ImportSemaphoreFd(waitSemaphore, waitEnd)
	require.NoError(t, err)
	signal(t, waitWriteEnd)

	staleEnd, _ := pipe(t)
	_, err = f.tracker.ImportSemaphoreFd(signalSemaphore, staleEnd)
	require.NoError(t, err)

	fenceEnd, _ := pipe(t)
	_, err = f.tracker.ImportFenceFd(fence, fenceEnd)
	require.NoError(t, err)

	submits := []transport.SubmitInfo{{
		WaitSemaphores:   []registry.Handle{waitSemaphore},
		WaitDstStageMask: []core1_0.PipelineStageFlags{core1_0.PipelineStageTopOfPipe},
		SignalSemaphores: []registry.Handle{signalSemaphore},
	}}
	gomock.InOrder(
		f.enc.EXPECT().QueueSubmit(f.queue, submits, fence).Return(core1_0.VKSuccess, nil),
		f.enc.EXPECT().Flush().Return(nil),
	)

	res, err := f.tracker.QueueSubmit(f.enc, f.queue, submits, fence)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)

	// The wait consumed the imported payload, and the signal operations replaced theirs
	require.True(t, isClosed(waitEnd))
	require.True(t, isClosed(staleEnd))
	require.True(t, isClosed(fenceEnd))

	// The signaled semaphore now exports through the host
	f.enc.EXPECT().ExportSyncFD(f.device, signalSemaphore).Return(9, core1_0.VKSuccess, nil)
	fd, _, err := f.tracker.GetSemaphoreFd(f.enc, signalSemaphore)
	require.NoError(t, err)
	require.Equal(t, 9, fd)
}

func TestSubmitRejectsMismatchedWaitStages(t *testing.T) {
	f := newFixture(t, tracker.CreateOptions{})
	semaphore := f.semaphore(t, false)

	res, err := f.tracker.QueueSubmit(f.enc, f.queue, []transport.SubmitInfo{{
		WaitSemaphores: []registry.Handle{semaphore},
	}}, registry.NullHandle)
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorUnknown, res)
}

func TestDestroySemaphoreClosesImportedFD(t *testing.T) {
	f := newFixture(t, tracker.CreateOptions{})
	semaphore := f.semaphore(t, false)

	readEnd, _ := pipe(t)
	_, err := f.tracker.ImportSemaphoreFd(semaphore, readEnd)
	require.NoError(t, err)

	require.NoError(t, f.tracker.DestroySemaphore(f.enc, semaphore))
	require.True(t, isClosed(readEnd))
	require.Zero(t, f.stats(t, false).Objects.Semaphores)
}
