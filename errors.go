package syncstate

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	// ErrKeyNotFound is returned when a typed access names a key that was never set.
	ErrKeyNotFound = errors.New("syncstate: key not found")

	// ErrTypeMismatch is matched by every *TypeMismatchError.
	ErrTypeMismatch = errors.New("syncstate: type mismatch")

	// ErrPoisoned is returned when a slot's previous holder panicked while holding its lock.
	ErrPoisoned = errors.New("syncstate: slot poisoned")

	// ErrDecode wraps payload deserialization failures.
	ErrDecode = errors.New("syncstate: decode payload")

	// ErrUnknownKey is returned by name-based operations when no binding exists for the name.
	ErrUnknownKey = errors.New("syncstate: no binding for key")
)

// TypeMismatchError reports a typed access whose requested type differs from
// the type the key is bound to.
type TypeMismatchError struct {
	Key       string
	Stored    reflect.Type
	Requested reflect.Type
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("syncstate: key %q holds %v, requested %v", e.Key, e.Stored, e.Requested)
}

// Is reports whether target is ErrTypeMismatch.
func (e *TypeMismatchError) Is(target error) bool {
	return target == ErrTypeMismatch
}
