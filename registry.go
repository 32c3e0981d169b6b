package syncstate

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"
)

// erasedCell is a slot with its value type hidden.
type erasedCell interface {
	valueType() reflect.Type
}

// cell is a single typed slot. mu guards every other field.
type cell[T any] struct {
	mu       sync.Mutex
	value    T
	revision uint64
	poisoned bool
}

func newCell[T any](value T) *cell[T] {
	return &cell[T]{value: value, revision: 1}
}

func (c *cell[T]) valueType() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// Registry maps string keys to typed slots.
//
// mu only protects the map itself. Each slot has its own lock, so access to
// different keys never contends beyond the map lookup.
type Registry struct {
	mu     sync.Mutex
	slots  map[string]erasedCell
	logger *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...Option) *Registry {
	cfg := newOptions(opts)
	return &Registry{
		slots:  make(map[string]erasedCell),
		logger: cfg.logger,
	}
}

// Keys returns the bound keys in no particular order.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.slots))
	for k := range r.slots {
		keys = append(keys, k)
	}
	return keys
}

// Has reports whether key is bound.
func (r *Registry) Has(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.slots[key]
	return ok
}

// TypeOf returns the type key is bound to, or nil.
func (r *Registry) TypeOf(key string) reflect.Type {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.slots[key]; ok {
		return c.valueType()
	}
	return nil
}

// Set binds key to a fresh slot holding value, replacing any previous slot
// regardless of its type. Handles obtained before the call keep referring
// to the replaced slot.
func Set[T any](r *Registry, key string, value T) {
	r.logger.Debug("set", "key", key)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.slots[key] = newCell(value)
}

// Update replaces the value stored under key. An unbound key is set instead.
// Update never publishes; see Emit and Commit.
func Update[T any](r *Registry, key string, value T) error {
	r.logger.Debug("update", "key", key)

	r.mu.Lock()
	existing, ok := r.slots[key]
	if !ok {
		r.logger.Debug("key doesn't already exist, inserting instead", "key", key)
		r.slots[key] = newCell(value)
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	c, err := downcast[T](key, existing)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.poisoned {
		return fmt.Errorf("update %q: %w", key, ErrPoisoned)
	}
	c.value = value
	c.revision++
	return nil
}

// UpdateFromSerialized decodes payload as JSON into T and updates key with
// it. The payload must be a complete value: null, objects missing a required
// field and values rejected by a Validator are decode failures. A payload
// that fails to decode is logged and leaves the slot untouched.
func UpdateFromSerialized[T any](r *Registry, key string, payload string) error {
	r.logger.Debug("update from serialized", "key", key)

	value, err := decodePayload[T](payload)
	if err != nil {
		r.logger.Error("failed to parse state payload", "key", key, "error", err)
		return fmt.Errorf("%w for %q: %v", ErrDecode, key, err)
	}
	return Update(r, key, value)
}

// lookup returns the typed slot bound to key.
func lookup[T any](r *Registry, key string) (*cell[T], error) {
	r.mu.Lock()
	existing, ok := r.slots[key]
	r.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	return downcast[T](key, existing)
}

func downcast[T any](key string, existing erasedCell) (*cell[T], error) {
	c, ok := existing.(*cell[T])
	if !ok {
		return nil, &TypeMismatchError{
			Key:       key,
			Stored:    existing.valueType(),
			Requested: reflect.TypeOf((*T)(nil)).Elem(),
		}
	}
	return c, nil
}
