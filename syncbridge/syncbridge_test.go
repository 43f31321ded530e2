package syncbridge_test

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_1"
	"github.com/vkngwrapper/guestvk/registry"
	"github.com/vkngwrapper/guestvk/syncbridge"
	"github.com/vkngwrapper/guestvk/transport/mocks"
	"go.uber.org/mock/gomock"
	"golang.org/x/sys/unix"
)

// pipe returns a read end that behaves like an unsignaled sync-fd until the write end is written
func pipe(t *testing.T) (int, int) {
	fds := make([]int, 2)
	require.NoError(t, unix.Pipe(fds))
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

func TestWaitInvalidFDIsSignaled(t *testing.T) {
	signaled, err := syncbridge.Wait(syncbridge.InvalidFD, 0)
	require.NoError(t, err)
	require.True(t, signaled)

	require.NoError(t, syncbridge.Close(syncbridge.InvalidFD))

	fd, err := syncbridge.Dup(syncbridge.InvalidFD)
	require.NoError(t, err)
	require.Equal(t, syncbridge.InvalidFD, fd)
}

func TestWaitTimesOut(t *testing.T) {
	readEnd, writeEnd := pipe(t)
	defer unix.Close(readEnd)
	defer unix.Close(writeEnd)

	start := time.Now()
	signaled, err := syncbridge.Wait(readEnd, 20*time.Millisecond)
	require.NoError(t, err)
	require.False(t, signaled)
	require.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)

	signaled, err = syncbridge.Wait(readEnd, 0)
	require.NoError(t, err)
	require.False(t, signaled)
}

func TestWaitObservesSignal(t *testing.T) {
	readEnd, writeEnd := pipe(t)
	defer unix.Close(readEnd)
	defer unix.Close(writeEnd)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = unix.Write(writeEnd, []byte{1})
	}()

	signaled, err := syncbridge.Wait(readEnd, -1)
	require.NoError(t, err)
	require.True(t, signaled)
}

func TestDupIsIndependentlyCloseable(t *testing.T) {
	readEnd, writeEnd := pipe(t)
	defer unix.Close(writeEnd)

	dup, err := syncbridge.Dup(readEnd)
	require.NoError(t, err)
	require.NotEqual(t, readEnd, dup)

	require.NoError(t, syncbridge.Close(readEnd))
	signal(t, writeEnd)

	signaled, err := syncbridge.Wait(dup, time.Second)
	require.NoError(t, err)
	require.True(t, signaled)
	require.NoError(t, syncbridge.Close(dup))
}

func TestImportClosesPreviousFD(t *testing.T) {
	minter := &registry.Minter{}
	state := syncbridge.NewSemaphoreState(minter.Mint(registry.KindSemaphore), true)

	first, firstWrite := pipe(t)
	second, secondWrite := pipe(t)
	defer unix.Close(firstWrite)
	defer unix.Close(secondWrite)

	require.NoError(t, state.Import(first))
	require.True(t, state.HasFD())
	require.NoError(t, state.Import(second))
	require.True(t, isClosed(first))
	require.False(t, isClosed(second))

	fd := state.TakeForWait()
	require.Equal(t, second, fd)
	require.False(t, state.HasFD())
	require.Equal(t, syncbridge.InvalidFD, state.TakeForWait())
	require.NoError(t, syncbridge.Close(fd))
}

func TestExportDuplicatesCachedFD(t *testing.T) {
	ctrl := gomock.NewController(t)
	encoder := mocks.NewMockEncoder(ctrl)

	minter := &registry.Minter{}
	device := minter.Mint(registry.KindDevice)
	state := syncbridge.NewFenceState(minter.Mint(registry.KindFence), true)

	readEnd, writeEnd := pipe(t)
	defer unix.Close(writeEnd)
	require.NoError(t, state.Import(readEnd))

	exported, res, err := state.Export(encoder, device)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.NotEqual(t, readEnd, exported)

	require.NoError(t, state.Reset())
	require.True(t, isClosed(readEnd))
	require.False(t, isClosed(exported))
	require.NoError(t, syncbridge.Close(exported))
}

func TestExportAsksHostWithoutCachedFD(t *testing.T) {
	ctrl := gomock.NewController(t)
	encoder := mocks.NewMockEncoder(ctrl)

	minter := &registry.Minter{}
	device := minter.Mint(registry.KindDevice)
	fence := minter.Mint(registry.KindFence)
	state := syncbridge.NewFenceState(fence, true)

	encoder.EXPECT().ExportSyncFD(device, fence).Return(syncbridge.InvalidFD, core1_0.VKSuccess, nil)

	fd, res, err := state.Export(encoder, device)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.Equal(t, syncbridge.InvalidFD, fd)
}

func TestExportRequiresExportableObject(t *testing.T) {
	ctrl := gomock.NewController(t)
	encoder := mocks.NewMockEncoder(ctrl)

	minter := &registry.Minter{}
	state := syncbridge.NewSemaphoreState(minter.Mint(registry.KindSemaphore), false)

	_, res, err := state.Export(encoder, minter.Mint(registry.KindDevice))
	require.True(t, errors.Is(err, syncbridge.ErrNotExportable))
	require.Equal(t, core1_1.VkErrorInvalidExternalHandle, res)
}

func TestSequencerHandoff(t *testing.T) {
	ctrl := gomock.NewController(t)
	first := mocks.NewMockEncoder(ctrl)
	second := mocks.NewMockEncoder(ctrl)

	minter := &registry.Minter{}
	queue := minter.Mint(registry.KindQueue)
	sequencer := syncbridge.NewSequencer(slog.New(slog.NewJSONHandler(io.Discard, nil)), queue)

	// The first encoder and repeated use by the same encoder need no sync points
	require.NoError(t, sequencer.Handoff(first))
	require.NoError(t, sequencer.Handoff(first))
	require.Zero(t, sequencer.Sequence())

	gomock.InOrder(
		first.EXPECT().HostSync(queue, false, uint32(1)).Return(nil),
		first.EXPECT().Flush().Return(nil),
		second.EXPECT().HostSync(queue, true, uint32(2)).Return(nil),
	)
	require.NoError(t, sequencer.Handoff(second))
	require.Equal(t, uint32(2), sequencer.Sequence())
	require.Equal(t, second, sequencer.Encoder())

	gomock.InOrder(
		second.EXPECT().HostSync(queue, false, uint32(3)).Return(nil),
		second.EXPECT().Flush().Return(nil),
		first.EXPECT().HostSync(queue, true, uint32(4)).Return(nil),
	)
	require.NoError(t, sequencer.Handoff(first))
	require.Equal(t, uint32(4), sequencer.Sequence())

	sequencer.Forget(first)
	require.NoError(t, sequencer.Handoff(second))
	require.Equal(t, uint32(4), sequencer.Sequence())
}

func TestSequencerHandoffFailureKeepsEncoder(t *testing.T) {
	ctrl := gomock.NewController(t)
	first := mocks.NewMockEncoder(ctrl)
	second := mocks.NewMockEncoder(ctrl)

	minter := &registry.Minter{}
	buffer := minter.Mint(registry.KindCommandBuffer)
	sequencer := syncbridge.NewSequencer(slog.New(slog.NewJSONHandler(io.Discard, nil)), buffer)
	require.NoError(t, sequencer.Handoff(first))

	first.EXPECT().HostSync(buffer, false, uint32(1)).Return(nil)
	first.EXPECT().Flush().Return(errors.New("transport closed"))

	require.Error(t, sequencer.Handoff(second))
	require.Equal(t, first, sequencer.Encoder())
	require.Zero(t, sequencer.Sequence())
}
