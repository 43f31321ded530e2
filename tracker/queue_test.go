package tracker_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/guestvk/descriptor"
	"github.com/vkngwrapper/guestvk/registry"
	"github.com/vkngwrapper/guestvk/staging"
	"github.com/vkngwrapper/guestvk/tracker"
	"github.com/vkngwrapper/guestvk/transport"
	"github.com/vkngwrapper/guestvk/transport/mocks"
	"go.uber.org/mock/gomock"
)

func submitInfo(commandBuffers ...registry.Handle) []transport.SubmitInfo {
	return []transport.SubmitInfo{{CommandBuffers: commandBuffers}}
}

func (f *fixture) uniformBufferSet(t *testing.T) (registry.Handle, registry.Handle, registry.Handle) {
	layout, res, err := f.tracker.CreateDescriptorSetLayout(f.enc, f.device, descriptor.SetLayoutCreateInfo{
		Bindings: []descriptor.LayoutBinding{
			{Binding: 0, DescriptorType: core1_0.DescriptorTypeUniformBuffer, DescriptorCount: 1},
		},
	})
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)

	f.enc.EXPECT().CollectDescriptorPoolIDs(f.device, gomock.Any()).Return([]uint64{100, 101}, nil)
	pool, res, err := f.tracker.CreateDescriptorPool(f.enc, f.device, descriptor.PoolCreateInfo{
		MaxSets: 2,
		PoolSizes: []descriptor.PoolSize{
			{Type: core1_0.DescriptorTypeUniformBuffer, DescriptorCount: 2},
		},
	})
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)

	sets, res, err := f.tracker.AllocateDescriptorSets(f.enc, pool, []registry.Handle{layout})
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.Len(t, sets, 1)

	return layout, pool, sets[0]
}

func TestSubmitCommitsDescriptorUpdatesBeforeFlushing(t *testing.T) {
	f := newFixture(t, tracker.CreateOptions{})

	layout, pool, set := f.uniformBufferSet(t)
	bufferInfo := descriptor.BufferInfo{Buffer: f.createBuffer(t, 256), Range: 256}
	state, err := f.tracker.DescriptorSetState(set)
	require.NoError(t, err)
	require.Equal(t, descriptor.SetStateAllocationPending, state)

	_, err = f.tracker.UpdateDescriptorSets([]descriptor.Write{{
		DstSet:         set,
		DescriptorType: core1_0.DescriptorTypeUniformBuffer,
		BufferInfo:     []descriptor.BufferInfo{bufferInfo},
	}}, nil)
	require.NoError(t, err)

	commandPool := f.commandPool(t)
	primary := f.commandBuffers(t, commandPool, core1_0.CommandBufferLevelPrimary, 1)[0]

	_, err = f.tracker.BeginCommandBuffer(primary)
	require.NoError(t, err)
	_, err = f.tracker.CmdBindDescriptorSets(primary, []registry.Handle{set})
	require.NoError(t, err)
	_, err = f.tracker.CmdWrite(primary, []byte{1, 2, 3})
	require.NoError(t, err)
	_, err = f.tracker.EndCommandBuffer(primary)
	require.NoError(t, err)

	submits := submitInfo(primary)
	var batch *descriptor.CommitBatch
	gomock.InOrder(
		f.enc.EXPECT().CommitDescriptorSetUpdates(f.queue, gomock.Any()).DoAndReturn(
			func(_ registry.Handle, b *descriptor.CommitBatch) error {
				batch = b
				return nil
			}),
		f.enc.EXPECT().QueueFlushCommands(f.queue, primary, []byte{1, 2, 3}).Return(nil),
		f.enc.EXPECT().QueueSubmit(f.queue, submits, registry.NullHandle).Return(core1_0.VKSuccess, nil),
		f.enc.EXPECT().Flush().Return(nil),
	)

	res, err := f.tracker.QueueSubmit(f.enc, f.queue, submits, registry.NullHandle)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)

	require.Len(t, batch.Allocations, 1)
	require.Equal(t, pool, batch.Allocations[0].Pool)
	require.Equal(t, set, batch.Allocations[0].Set)
	require.Equal(t, layout, batch.Allocations[0].Layout)
	require.Len(t, batch.Writes, 1)
	require.Equal(t, set, batch.Writes[0].Set)
	require.Equal(t, []descriptor.BufferInfo{bufferInfo}, batch.Writes[0].BufferInfo)

	// Resubmitting sends neither descriptor updates nor commands: the host already has both
	gomock.InOrder(
		f.enc.EXPECT().QueueSubmit(f.queue, submits, registry.NullHandle).Return(core1_0.VKSuccess, nil),
		f.enc.EXPECT().Flush().Return(nil),
	)

	_, err = f.tracker.QueueSubmit(f.enc, f.queue, submits, registry.NullHandle)
	require.NoError(t, err)

	state, err = f.tracker.DescriptorSetState(set)
	require.NoError(t, err)
	require.Equal(t, descriptor.SetStateCommitted, state)
}

func TestDestroyedLayoutOutlivesPendingSet(t *testing.T) {
	f := newFixture(t, tracker.CreateOptions{})

	layout, _, set := f.uniformBufferSet(t)
	require.NoError(t, f.tracker.DestroyDescriptorSetLayout(f.enc, layout))
	require.NotContains(t, f.destroyed, layout)

	// A second destroy of the same handle is ignored
	require.NoError(t, f.tracker.DestroyDescriptorSetLayout(f.enc, layout))

	commandPool := f.commandPool(t)
	primary := f.commandBuffers(t, commandPool, core1_0.CommandBufferLevelPrimary, 1)[0]
	_, err := f.tracker.BeginCommandBuffer(primary)
	require.NoError(t, err)
	_, err = f.tracker.CmdBindDescriptorSets(primary, []registry.Handle{set})
	require.NoError(t, err)
	_, err = f.tracker.EndCommandBuffer(primary)
	require.NoError(t, err)

	submits := submitInfo(primary)
	var batch *descriptor.CommitBatch
	gomock.InOrder(
		f.enc.EXPECT().CommitDescriptorSetUpdates(f.queue, gomock.Any()).DoAndReturn(
			func(_ registry.Handle, b *descriptor.CommitBatch) error {
				require.NotContains(t, f.destroyed, layout)
				batch = b
				return nil
			}),
		f.enc.EXPECT().QueueSubmit(f.queue, submits, registry.NullHandle).Return(core1_0.VKSuccess, nil),
		f.enc.EXPECT().Flush().Return(nil),
	)

	res, err := f.tracker.QueueSubmit(f.enc, f.queue, submits, registry.NullHandle)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)

	require.Len(t, batch.Allocations, 1)
	require.Equal(t, set, batch.Allocations[0].Set)
	require.Equal(t, layout, batch.Allocations[0].Layout)
	require.Equal(t, []registry.Handle{layout}, f.destroyed)
	require.NoError(t, f.tracker.Validate())
}

func TestFreeingPendingSetReleasesDestroyedLayout(t *testing.T) {
	f := newFixture(t, tracker.CreateOptions{})

	layout, pool, set := f.uniformBufferSet(t)
	require.NoError(t, f.tracker.DestroyDescriptorSetLayout(f.enc, layout))
	require.Empty(t, f.destroyed)

	res, err := f.tracker.FreeDescriptorSets(f.enc, pool, []registry.Handle{set})
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.Equal(t, []registry.Handle{layout}, f.destroyed)
}

func TestSecondariesFlushBeforeTheirPrimary(t *testing.T) {
	f := newFixture(t, tracker.CreateOptions{})

	pool := f.commandPool(t)
	primary := f.commandBuffers(t, pool, core1_0.CommandBufferLevelPrimary, 1)[0]
	secondaries := f.commandBuffers(t, pool, core1_0.CommandBufferLevelSecondary, 2)

	f.record(t, secondaries[0], []byte{10})
	f.record(t, secondaries[1], []byte{20})

	_, err := f.tracker.BeginCommandBuffer(primary)
	require.NoError(t, err)
	_, err = f.tracker.CmdExecuteCommands(primary, []registry.Handle{secondaries[1], secondaries[0]})
	require.NoError(t, err)
	_, err = f.tracker.CmdWrite(primary, []byte{30})
	require.NoError(t, err)
	_, err = f.tracker.EndCommandBuffer(primary)
	require.NoError(t, err)

	submits := submitInfo(primary)
	gomock.InOrder(
		f.enc.EXPECT().QueueFlushCommands(f.queue, secondaries[0], []byte{10}).Return(nil),
		f.enc.EXPECT().QueueFlushCommands(f.queue, secondaries[1], []byte{20}).Return(nil),
		f.enc.EXPECT().QueueFlushCommands(f.queue, primary, []byte{30}).Return(nil),
		f.enc.EXPECT().QueueSubmit(f.queue, submits, registry.NullHandle).Return(core1_0.VKSuccess, nil),
		f.enc.EXPECT().Flush().Return(nil),
	)

	_, err = f.tracker.QueueSubmit(f.enc, f.queue, submits, registry.NullHandle)
	require.NoError(t, err)
	require.NoError(t, f.tracker.Validate())
}

func TestResetSecondaryUnlinksItFromPrimary(t *testing.T) {
	f := newFixture(t, tracker.CreateOptions{})

	pool := f.commandPool(t)
	primary := f.commandBuffers(t, pool, core1_0.CommandBufferLevelPrimary, 1)[0]
	secondaries := f.commandBuffers(t, pool, core1_0.CommandBufferLevelSecondary, 2)
	f.record(t, secondaries[0], []byte{10})
	f.record(t, secondaries[1], []byte{20})

	_, err := f.tracker.BeginCommandBuffer(primary)
	require.NoError(t, err)
	_, err = f.tracker.CmdExecuteCommands(primary, secondaries)
	require.NoError(t, err)
	_, err = f.tracker.EndCommandBuffer(primary)
	require.NoError(t, err)

	require.Equal(t, 2, f.stats(t, true).StagingStreams[primary.String()].Secondaries)

	_, err = f.tracker.ResetCommandBuffer(secondaries[0])
	require.NoError(t, err)
	require.Equal(t, 1, f.stats(t, true).StagingStreams[primary.String()].Secondaries)
	require.NoError(t, f.tracker.Validate())

	submits := submitInfo(primary)
	gomock.InOrder(
		f.enc.EXPECT().QueueFlushCommands(f.queue, secondaries[1], []byte{20}).Return(nil),
		f.enc.EXPECT().QueueSubmit(f.queue, submits, registry.NullHandle).Return(core1_0.VKSuccess, nil),
		f.enc.EXPECT().Flush().Return(nil),
	)

	_, err = f.tracker.QueueSubmit(f.enc, f.queue, submits, registry.NullHandle)
	require.NoError(t, err)

	// Freeing the other secondary drops the last link
	require.NoError(t, f.tracker.FreeCommandBuffers(f.enc, pool, []registry.Handle{secondaries[1], secondaries[1], registry.NullHandle}))
	require.Zero(t, f.stats(t, true).StagingStreams[primary.String()].Secondaries)
	require.NoError(t, f.tracker.Validate())
}

func TestSubmitRejectsInvalidCommandBuffers(t *testing.T) {
	f := newFixture(t, tracker.CreateOptions{})

	pool := f.commandPool(t)
	primary := f.commandBuffers(t, pool, core1_0.CommandBufferLevelPrimary, 1)[0]
	secondary := f.commandBuffers(t, pool, core1_0.CommandBufferLevelSecondary, 1)[0]

	_, err := f.tracker.BeginCommandBuffer(primary)
	require.NoError(t, err)

	res, err := f.tracker.QueueSubmit(f.enc, f.queue, submitInfo(primary), registry.NullHandle)
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorUnknown, res)

	f.record(t, secondary, []byte{1})
	_, err = f.tracker.QueueSubmit(f.enc, f.queue, submitInfo(secondary), registry.NullHandle)
	require.Error(t, err)

	// Secondaries cannot execute other command buffers
	_, err = f.tracker.BeginCommandBuffer(secondary)
	require.NoError(t, err)
	_, err = f.tracker.CmdExecuteCommands(secondary, []registry.Handle{primary})
	require.Error(t, err)

	// Recording commands needs an open recording
	_, err = f.tracker.EndCommandBuffer(primary)
	require.NoError(t, err)
	_, err = f.tracker.CmdWrite(primary, []byte{1})
	require.Error(t, err)
}

func TestResetCommandPoolDiscardsRecordings(t *testing.T) {
	f := newFixture(t, tracker.CreateOptions{})

	pool := f.commandPool(t)
	commandBuffers := f.commandBuffers(t, pool, core1_0.CommandBufferLevelPrimary, 2)
	f.record(t, commandBuffers[0], []byte{1, 2})
	f.record(t, commandBuffers[1], []byte{3, 4})

	_, err := f.tracker.ResetCommandPool(pool)
	require.NoError(t, err)

	streams := f.stats(t, true).StagingStreams
	require.Zero(t, streams[commandBuffers[0].String()].Pending)
	require.Zero(t, streams[commandBuffers[1].String()].Pending)

	// Nothing left to flush
	submits := submitInfo(commandBuffers...)
	gomock.InOrder(
		f.enc.EXPECT().QueueSubmit(f.queue, submits, registry.NullHandle).Return(core1_0.VKSuccess, nil),
		f.enc.EXPECT().Flush().Return(nil),
	)
	_, err = f.tracker.QueueSubmit(f.enc, f.queue, submits, registry.NullHandle)
	require.NoError(t, err)

	require.NoError(t, f.tracker.DestroyCommandPool(f.enc, pool))
	require.Zero(t, f.stats(t, false).Objects.CommandBuffers)
}

func TestSharedStagingWaitsForHostRead(t *testing.T) {
	f := newFixture(t, tracker.CreateOptions{Flags: tracker.CreateSharedStaging})

	pool := f.commandPool(t)
	primary := f.commandBuffers(t, pool, core1_0.CommandBufferLevelPrimary, 1)[0]

	marker := []byte("shared staging marker")
	f.record(t, primary, marker)

	// The recording lives in coherent memory shared with the host, behind its sync word
	require.Len(t, f.hostMappings, 1)
	mapping := f.hostMappings[0]
	index := bytes.Index(mapping, marker)
	require.GreaterOrEqual(t, index, staging.SyncWordSize)
	syncWord := mapping[index-staging.SyncWordSize : index]
	require.Equal(t, staging.SyncWordReadComplete, binary.NativeEndian.Uint64(syncWord))

	submits := submitInfo(primary)
	gomock.InOrder(
		f.enc.EXPECT().QueueFlushCommands(f.queue, primary, marker).DoAndReturn(
			func(_, _ registry.Handle, data []byte) error {
				require.Equal(t, staging.SyncWordReadPending, binary.NativeEndian.Uint64(syncWord))
				// The host reads the block in place and hands it back
				binary.NativeEndian.PutUint64(syncWord, staging.SyncWordReadComplete)
				return nil
			}),
		f.enc.EXPECT().QueueSubmit(f.queue, submits, registry.NullHandle).Return(core1_0.VKSuccess, nil),
		f.enc.EXPECT().Flush().Return(nil),
	)

	_, err := f.tracker.QueueSubmit(f.enc, f.queue, submits, registry.NullHandle)
	require.NoError(t, err)

	// The block is reused for the next recording
	f.record(t, primary, []byte("second recording"))
	require.Len(t, f.hostMappings, 1)
	require.Equal(t, index, bytes.Index(mapping, []byte("second recording")))
}

func TestQueueHandoffEmitsSyncPoints(t *testing.T) {
	f := newFixture(t, tracker.CreateOptions{})
	other := mocks.NewMockEncoder(f.ctrl)

	f.enc.EXPECT().QueueWaitIdle(f.queue).Return(core1_0.VKSuccess, nil)
	_, err := f.tracker.QueueWaitIdle(f.enc, f.queue)
	require.NoError(t, err)

	gomock.InOrder(
		f.enc.EXPECT().HostSync(f.queue, false, uint32(1)).Return(nil),
		f.enc.EXPECT().Flush().Return(nil),
		other.EXPECT().HostSync(f.queue, true, uint32(2)).Return(nil),
		other.EXPECT().QueueWaitIdle(f.queue).Return(core1_0.VKSuccess, nil),
	)
	res, err := f.tracker.QueueWaitIdle(other, f.queue)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)

	// The second queue has its own sequence
	other.EXPECT().QueueWaitIdle(f.secondQueue).Return(core1_0.VKSuccess, nil)
	_, err = f.tracker.QueueWaitIdle(other, f.secondQueue)
	require.NoError(t, err)
}

func TestQueueWaitIdleReportsDeviceLost(t *testing.T) {
	f := newFixture(t, tracker.CreateOptions{})

	f.enc.EXPECT().QueueWaitIdle(f.queue).Return(core1_0.VKSuccess, errInjected)
	res, err := f.tracker.QueueWaitIdle(f.enc, f.queue)
	require.ErrorIs(t, err, errInjected)
	require.Equal(t, core1_0.VKErrorDeviceLost, res)
}

func TestQueueSignalReleaseImage(t *testing.T) {
	f := newFixture(t, tracker.CreateOptions{})

	image, _, err := f.tracker.CreateImage(f.enc, f.device, core1_0.ImageCreateInfo{})
	require.NoError(t, err)
	semaphore, _, err := f.tracker.CreateSemaphore(f.enc, f.device, core1_0.SemaphoreCreateInfo{}, false)
	require.NoError(t, err)

	f.enc.EXPECT().QueueSignalReleaseImage(f.queue, []registry.Handle{semaphore}, image).Return(42, core1_0.VKSuccess, nil)
	fd, res, err := f.tracker.QueueSignalReleaseImage(f.enc, f.queue, []registry.Handle{semaphore}, image)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.Equal(t, 42, fd)

	_, _, err = f.tracker.QueueSignalReleaseImage(f.enc, f.queue, nil, semaphore)
	require.ErrorIs(t, err, registry.ErrWrongKind)
}
