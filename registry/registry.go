package registry

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/guestvk/internal/utils"
	"golang.org/x/exp/slices"
)

var (
	ErrUnknownHandle = errors.New("unknown handle")
	ErrWrongKind     = errors.New("handle refers to the wrong kind of object")
)

// Registry maps live handles to their per-object metadata. An entry exists exactly between
// Register (or Insert) and Unregister.
type Registry[M any] struct {
	minter  *Minter
	lock    utils.RWLocker
	entries *swiss.Map[Handle, M]
}

// New creates a Registry that mints handles from minter. If synchronized is false, the caller
// is responsible for serializing all access.
func New[M any](minter *Minter, synchronized bool) *Registry[M] {
	return &Registry[M]{
		minter:  minter,
		lock:    utils.NewRWLocker(synchronized),
		entries: swiss.NewMap[Handle, M](16),
	}
}

// Register mints a new handle of the given kind and stores meta under it
func (r *Registry[M]) Register(kind Kind, meta M) Handle {
	handle := r.minter.Mint(kind)

	r.lock.Lock()
	defer r.lock.Unlock()

	r.entries.Put(handle, meta)
	return handle
}

// Insert stores meta under a handle that was minted elsewhere, replacing any existing entry
func (r *Registry[M]) Insert(handle Handle, meta M) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.entries.Put(handle, meta)
}

func (r *Registry[M]) Get(handle Handle) (M, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return r.entries.Get(handle)
}

// Lookup returns the metadata for handle, failing closed if handle is null, of the wrong kind,
// or not registered
func (r *Registry[M]) Lookup(handle Handle, kind Kind) (M, error) {
	var zero M
	if handle.Kind() != kind {
		return zero, errors.Wrapf(ErrWrongKind, "expected %s, received %s", kind, handle)
	}

	meta, ok := r.Get(handle)
	if !ok {
		return zero, errors.Wrapf(ErrUnknownHandle, "%s", handle)
	}
	return meta, nil
}

// Update calls update on the entry for handle and stores the result. It returns false if
// the handle is not registered.
func (r *Registry[M]) Update(handle Handle, update func(meta *M)) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	meta, ok := r.entries.Get(handle)
	if !ok {
		return false
	}
	update(&meta)
	r.entries.Put(handle, meta)
	return true
}

// Unregister removes handle and returns its metadata. Unregistering a handle that is not
// registered does nothing.
func (r *Registry[M]) Unregister(handle Handle) (M, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()

	meta, ok := r.entries.Get(handle)
	if ok {
		r.entries.Delete(handle)
	}
	return meta, ok
}

func (r *Registry[M]) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return r.entries.Count()
}

// Range calls visit for every entry until visit returns false. visit must not modify the registry.
func (r *Registry[M]) Range(visit func(handle Handle, meta M) bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	r.entries.Iter(func(handle Handle, meta M) bool {
		return !visit(handle, meta)
	})
}

// Handles returns every registered handle in minting order
func (r *Registry[M]) Handles() []Handle {
	r.lock.RLock()
	handles := make([]Handle, 0, r.entries.Count())
	r.entries.Iter(func(handle Handle, _ M) bool {
		handles = append(handles, handle)
		return false
	})
	r.lock.RUnlock()

	slices.SortFunc(handles, func(a, b Handle) bool {
		return a.Serial() < b.Serial()
	})
	return handles
}
