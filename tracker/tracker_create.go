package tracker

import (
	"log/slog"
	"time"

	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/guestvk/coherent"
	"github.com/vkngwrapper/guestvk/descriptor"
	"github.com/vkngwrapper/guestvk/internal/utils"
	"github.com/vkngwrapper/guestvk/registry"
	"github.com/vkngwrapper/guestvk/staging"
	"github.com/vkngwrapper/guestvk/transport"
)

// CreateFlags indicate specific tracker behaviors to activate or deactivate
type CreateFlags int32

var createFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	createFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return createFlagsMapping.FlagsToString(f)
}

const (
	// CreateExternallySynchronized ensures that this tracker and all objects created from it will
	// not be synchronized internally. The consumer must guarantee they are used from only one
	// goroutine at a time or are synchronized by some other mechanism.
	CreateExternallySynchronized CreateFlags = 1 << iota
	// CreateSharedStaging records command buffers directly into coherent memory shared with the
	// host. The host reads recordings in place and marks each buffer complete when it is done, so
	// the tracker must wait for the host before reusing a buffer. Devices without a host-coherent
	// memory type fall back to staging in process memory.
	CreateSharedStaging
)

func init() {
	CreateExternallySynchronized.Register("CreateExternallySynchronized")
	CreateSharedStaging.Register("CreateSharedStaging")
}

// CreateOptions contains optional settings when creating a tracker. It is valid to leave all
// the fields blank.
type CreateOptions struct {
	// Flags indicates specific tracker behaviors to activate or deactivate
	Flags CreateFlags

	// ArenaSize is the size of a shared coherent memory arena. Defaults to coherent.DefaultArenaSize.
	ArenaSize int
	// ArenaRounding is the unit arenas for oversized allocations are rounded up to. Defaults to
	// coherent.DefaultArenaRounding.
	ArenaRounding int
	// PageSize is the unit dedicated arenas are rounded up to. Defaults to coherent.DefaultPageSize.
	PageSize int
	// MinArenaCount is the number of empty shared arenas kept alive per device and memory type
	MinArenaCount int
	// ArenaCallbacks is an optional set of callbacks that will be executed when arenas are
	// allocated from or returned to the host
	ArenaCallbacks *coherent.ArenaCallbackOptions

	// StagingBlockSize is the initial size of a command buffer staging stream. Defaults to
	// staging.DefaultBlockSize.
	StagingBlockSize int
	// ReclaimInitialDelay, ReclaimMaxDelay and ReclaimWarnAfter pace the wait for the host to
	// finish reading a shared staging buffer. Zero values use utils.DefaultBackoff.
	ReclaimInitialDelay time.Duration
	ReclaimMaxDelay     time.Duration
	ReclaimWarnAfter    time.Duration
}

func (o *CreateOptions) backoff() utils.Backoff {
	backoff := utils.DefaultBackoff()
	if o.ReclaimInitialDelay > 0 {
		backoff.Initial = o.ReclaimInitialDelay
	}
	if o.ReclaimMaxDelay > 0 {
		backoff.Max = o.ReclaimMaxDelay
	}
	if o.ReclaimWarnAfter > 0 {
		backoff.WarnAfter = o.ReclaimWarnAfter
	}
	return backoff
}

// New creates a new ResourceTracker
//
// hostAllocator - Creates and maps the host allocations that back coherent memory arenas
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, hostAllocator transport.HostMemoryAllocator, options CreateOptions) *ResourceTracker {
	synchronized := options.Flags&CreateExternallySynchronized == 0

	if options.StagingBlockSize <= 0 {
		options.StagingBlockSize = staging.DefaultBlockSize
	}

	minter := &registry.Minter{}
	tracker := &ResourceTracker{
		logger:  logger,
		options: options,
		backoff: options.backoff(),
		minter:  minter,

		arenas: coherent.NewManager(logger, minter, hostAllocator, coherent.Options{
			ArenaSize:     options.ArenaSize,
			ArenaRounding: options.ArenaRounding,
			PageSize:      options.PageSize,
			MinArenaCount: options.MinArenaCount,
			Synchronized:  synchronized,
			Callbacks:     options.ArenaCallbacks,
		}),
		descriptors: descriptor.NewVirtualizer(logger, minter, synchronized),

		devices:        registry.New[*deviceInfo](minter, synchronized),
		queues:         registry.New[*queueInfo](minter, synchronized),
		memories:       registry.New[memoryInfo](minter, synchronized),
		buffers:        registry.New[bufferInfo](minter, synchronized),
		images:         registry.New[imageInfo](minter, synchronized),
		imageViews:     registry.New[viewInfo](minter, synchronized),
		bufferViews:    registry.New[viewInfo](minter, synchronized),
		samplers:       registry.New[samplerInfo](minter, synchronized),
		fences:         registry.New[*fenceInfo](minter, synchronized),
		semaphores:     registry.New[*semaphoreInfo](minter, synchronized),
		commandPools:   registry.New[*commandPoolInfo](minter, synchronized),
		commandBuffers: registry.New[*commandBufferInfo](minter, synchronized),

		commandLock: utils.NewLocker(synchronized),
	}

	return tracker
}
