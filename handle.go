package syncstate

import (
	"context"
	"fmt"
	"log/slog"
)

// Handle holds a slot's lock and gives exclusive access to its value until
// Release is called. Prefer With, which cannot leak the lock.
type Handle[T any] struct {
	key      string
	cell     *cell[T]
	logger   *slog.Logger
	dirty    bool
	released bool
}

// Get locks the slot bound to key and returns a handle to it.
func Get[T any](r *Registry, key string) (*Handle[T], error) {
	r.logger.Debug("get", "key", key)

	c, err := lookup[T](r, key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.poisoned {
		c.mu.Unlock()
		r.logger.Warn("slot poisoned", "key", key)
		return nil, fmt.Errorf("get %q: %w", key, ErrPoisoned)
	}
	return &Handle[T]{key: key, cell: c, logger: r.logger}, nil
}

// Key returns the registry key the handle was obtained for.
func (h *Handle[T]) Key() string {
	return h.key
}

// Value returns a copy of the held value.
func (h *Handle[T]) Value() T {
	h.mustHold()
	return h.cell.value
}

// Set replaces the held value.
func (h *Handle[T]) Set(value T) {
	h.mustHold()
	h.cell.value = value
	h.dirty = true
}

// Ptr returns a pointer to the held value for in-place mutation. The pointer
// must not be used after Release.
func (h *Handle[T]) Ptr() *T {
	h.mustHold()
	h.dirty = true
	return &h.cell.value
}

// Release unlocks the slot. Calling it more than once is a no-op.
func (h *Handle[T]) Release() {
	if h.released {
		return
	}
	h.released = true
	if h.dirty {
		h.cell.revision++
	}
	if h.logger.Enabled(context.Background(), slog.LevelDebug) {
		h.logger.Debug("handle released", "key", h.key, "value", fmt.Sprintf("%+v", h.cell.value))
	}
	h.cell.mu.Unlock()
}

func (h *Handle[T]) mustHold() {
	if h.released {
		panic(fmt.Sprintf("syncstate: handle for %q used after Release", h.key))
	}
}

// With runs fn with exclusive access to the value bound to key and releases
// the lock when fn returns. If fn panics the slot is poisoned before the
// panic propagates; later access fails with ErrPoisoned until Set rebinds it.
func With[T any](r *Registry, key string, fn func(*T) error) error {
	h, err := Get[T](r, key)
	if err != nil {
		return err
	}

	completed := false
	defer func() {
		if !completed {
			h.cell.poisoned = true
			r.logger.Error("panic while holding slot, poisoning", "key", key)
		}
		h.Release()
	}()

	err = fn(h.Ptr())
	completed = true
	return err
}
