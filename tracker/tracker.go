// Package tracker is the guest-side entry point of the virtualization layer. A ResourceTracker
// shadows every Vulkan object the application creates, answers what it can locally, and forwards
// the rest to the host through a transport.Encoder.
package tracker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/guestvk/coherent"
	"github.com/vkngwrapper/guestvk/descriptor"
	"github.com/vkngwrapper/guestvk/internal/utils"
	"github.com/vkngwrapper/guestvk/memutils"
	"github.com/vkngwrapper/guestvk/registry"
)

// ResourceTracker shadows the objects of every device created through it.
//
// Locks are taken in a fixed order: the object registries and the command lock, then the
// descriptor virtualizer, then the coherent memory manager. Nothing below calls back up.
type ResourceTracker struct {
	logger  *slog.Logger
	options CreateOptions
	backoff utils.Backoff
	minter  *registry.Minter

	arenas      *coherent.Manager
	descriptors *descriptor.Virtualizer

	devices        *registry.Registry[*deviceInfo]
	queues         *registry.Registry[*queueInfo]
	memories       *registry.Registry[memoryInfo]
	buffers        *registry.Registry[bufferInfo]
	images         *registry.Registry[imageInfo]
	imageViews     *registry.Registry[viewInfo]
	bufferViews    *registry.Registry[viewInfo]
	samplers       *registry.Registry[samplerInfo]
	fences         *registry.Registry[*fenceInfo]
	semaphores     *registry.Registry[*semaphoreInfo]
	commandPools   *registry.Registry[*commandPoolInfo]
	commandBuffers *registry.Registry[*commandBufferInfo]

	// commandLock guards command pool membership, the primary/secondary graph and every
	// command buffer's staging stream
	commandLock sync.Locker
}

func lookup[M any](r *registry.Registry[M], handle registry.Handle, kind registry.Kind) (M, common.VkResult, error) {
	meta, err := r.Lookup(handle, kind)
	if err != nil {
		return meta, core1_0.VKErrorUnknown, err
	}
	return meta, core1_0.VKSuccess, nil
}

// hostFailure returns the code to report for a transport call. A transport error reported with
// a non-error code is replaced by failure.
func hostFailure(res common.VkResult, err error, failure common.VkResult) common.VkResult {
	if err != nil && res >= core1_0.VKSuccess {
		return failure
	}
	return res
}

func (t *ResourceTracker) device(device registry.Handle) (*deviceInfo, common.VkResult, error) {
	return lookup(t.devices, device, registry.KindDevice)
}

// ownerDevice returns the device of an object that is known to be live
func (t *ResourceTracker) ownerDevice(object, device registry.Handle) *deviceInfo {
	info, ok := t.devices.Get(device)
	if !ok {
		panic(errors.AssertionFailedf("%s belongs to %s, which is not registered", object, device))
	}
	return info
}

func (t *ResourceTracker) objectCounts(json jwriter.ObjectState) {
	json.Name("Devices").Int(t.devices.Len())
	json.Name("Queues").Int(t.queues.Len())
	json.Name("DeviceMemory").Int(t.memories.Len())
	json.Name("Buffers").Int(t.buffers.Len())
	json.Name("Images").Int(t.images.Len())
	json.Name("ImageViews").Int(t.imageViews.Len())
	json.Name("BufferViews").Int(t.bufferViews.Len())
	json.Name("Samplers").Int(t.samplers.Len())
	json.Name("Fences").Int(t.fences.Len())
	json.Name("Semaphores").Int(t.semaphores.Len())
	json.Name("CommandPools").Int(t.commandPools.Len())
	json.Name("CommandBuffers").Int(t.commandBuffers.Len())
}

// BuildStatsString returns a JSON document describing every object the tracker holds. When
// detailed is true, it also lists every coherent arena with its suballocations and every
// command buffer's staging stream.
func (t *ResourceTracker) BuildStatsString(detailed bool) string {
	writer := jwriter.NewWriter()
	rootObj := writer.Object()

	totalObj := rootObj.Name("Total").Object()
	if detailed {
		var stats memutils.DetailedStatistics
		t.arenas.CalculateStatistics(&stats)
		stats.WriteJson(totalObj)
	} else {
		var stats memutils.Statistics
		t.arenas.Statistics(&stats)
		stats.WriteJson(totalObj)
	}
	totalObj.End()

	objectsObj := rootObj.Name("Objects").Object()
	t.objectCounts(objectsObj)
	objectsObj.End()

	descriptorsObj := rootObj.Name("Descriptors").Object()
	t.descriptors.WriteJson(descriptorsObj)
	descriptorsObj.End()

	if detailed {
		arenasObj := rootObj.Name("Arenas").Object()
		t.arenas.PrintDetailedMap(arenasObj)
		arenasObj.End()

		streamsObj := rootObj.Name("StagingStreams").Object()
		t.writeStagingJson(streamsObj)
		streamsObj.End()
	}

	rootObj.End()

	if err := writer.Error(); err != nil {
		t.logger.LogAttrs(context.Background(), slog.LevelError, "failed to build tracker statistics",
			slog.Any("error", err),
		)
	}
	return string(writer.Bytes())
}

// Validate checks the internal consistency of the tracker, its descriptor state and its coherent
// memory arenas
func (t *ResourceTracker) Validate() error {
	err := t.arenas.Validate()
	if err != nil {
		return errors.Wrap(err, "coherent memory")
	}

	err = t.descriptors.Validate()
	if err != nil {
		return errors.Wrap(err, "descriptors")
	}

	t.memories.Range(func(handle registry.Handle, memory memoryInfo) bool {
		if _, ok := t.devices.Get(memory.device); !ok {
			err = errors.Newf("%s outlived %s", handle, memory.device)
			return false
		}
		if memory.sub == nil {
			return true
		}
		arena, ok := t.arenas.Arena(memory.sub.Arena.Memory())
		if !ok || arena != memory.sub.Arena {
			err = errors.Newf("%s is backed by an arena that no longer exists", handle)
			return false
		}
		return true
	})
	if err != nil {
		return err
	}

	return t.validateCommandBuffers()
}

// Destroy releases everything the tracker holds locally: staging streams, cached sync-fds and
// coherent arenas. Nothing is sent to the host. Objects still alive are logged as leaks.
func (t *ResourceTracker) Destroy() {
	for _, device := range t.devices.Handles() {
		leaked := t.releaseDevice(device)
		if leaked > 0 {
			t.logger.LogAttrs(context.Background(), slog.LevelWarn, "tracker destroyed with live objects",
				slog.String("device", device.String()),
				slog.Int("count", leaked),
			)
		}
		t.devices.Unregister(device)
	}

	leakedArenas := t.arenas.Destroy()
	if leakedArenas > 0 {
		t.logger.LogAttrs(context.Background(), slog.LevelWarn, "tracker destroyed with live coherent memory",
			slog.Int("suballocations", leakedArenas),
		)
	}
}

func closeSyncState(logger *slog.Logger, object registry.Handle, close func() error) {
	if err := close(); err != nil {
		logger.LogAttrs(context.Background(), slog.LevelWarn, "failed to close sync-fd",
			slog.String("object", object.String()),
			slog.Any("error", err),
		)
	}
}
