package coherent

import "github.com/vkngwrapper/guestvk/registry"

type AllocateArenaCallback func(
	manager *Manager,
	memoryTypeIndex int,
	memory registry.Handle,
	size int,
	userData interface{},
)

type FreeArenaCallback func(
	manager *Manager,
	memoryTypeIndex int,
	memory registry.Handle,
	size int,
	userData interface{},
)

// ArenaCallbackOptions are informative callbacks run after an arena's host memory is allocated
// and before it is freed
type ArenaCallbackOptions struct {
	Allocate AllocateArenaCallback
	Free     FreeArenaCallback
	UserData interface{}
}

type arenaCallbacks struct {
	Callbacks *ArenaCallbackOptions
	Manager   *Manager
}

func (c *arenaCallbacks) Allocate(arena *CoherentMemory) {
	if c.Callbacks != nil && c.Callbacks.Allocate != nil {
		c.Callbacks.Allocate(c.Manager, arena.memoryTypeIndex, arena.memory, arena.Size(), c.Callbacks.UserData)
	}
}

func (c *arenaCallbacks) Free(arena *CoherentMemory) {
	if c.Callbacks != nil && c.Callbacks.Free != nil {
		c.Callbacks.Free(c.Manager, arena.memoryTypeIndex, arena.memory, arena.Size(), c.Callbacks.UserData)
	}
}
