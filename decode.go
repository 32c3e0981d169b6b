package syncstate

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// Validator is implemented by state types that check a decoded value before
// it replaces the stored one.
type Validator interface {
	Validate() error
}

// decodePayload decodes a full replacement value for T. Unlike a plain
// json.Unmarshal into a zero value, it rejects null for non-pointer types
// and objects that omit a required field, so a partial message cannot
// reset the fields it left out.
func decodePayload[T any](payload string) (T, error) {
	var zero T
	typ := reflect.TypeOf((*T)(nil)).Elem()

	var ptr *T
	if err := json.Unmarshal([]byte(payload), &ptr); err != nil {
		return zero, err
	}
	if ptr == nil {
		if typ.Kind() == reflect.Pointer || typ.Kind() == reflect.Interface {
			return zero, nil
		}
		return zero, fmt.Errorf("null is not a valid %v", typ)
	}

	if typ.Kind() == reflect.Struct {
		if err := checkRequired(typ, []byte(payload)); err != nil {
			return zero, err
		}
	}

	if v, ok := any(ptr).(Validator); ok {
		if err := v.Validate(); err != nil {
			return zero, err
		}
	}
	return *ptr, nil
}

func checkRequired(typ reflect.Type, payload []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return err
	}
	for _, name := range requiredFields(typ) {
		if !hasField(fields, name) {
			return fmt.Errorf("missing field %q", name)
		}
	}
	return nil
}

// hasField matches keys the way encoding/json does: exact first, then
// case-insensitively.
func hasField(fields map[string]json.RawMessage, name string) bool {
	if _, ok := fields[name]; ok {
		return true
	}
	for k := range fields {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}

var requiredCache sync.Map // reflect.Type -> []string

// requiredFields lists the JSON names of the exported fields of a struct
// that must be present in a payload. Fields tagged omitempty or "-" and
// pointer fields are optional. Untagged embedded structs are flattened.
func requiredFields(typ reflect.Type) []string {
	if cached, ok := requiredCache.Load(typ); ok {
		return cached.([]string)
	}

	var names []string
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")

		if f.Anonymous && name == "" {
			embedded := f.Type
			if embedded.Kind() == reflect.Pointer {
				continue
			}
			if embedded.Kind() == reflect.Struct {
				names = append(names, requiredFields(embedded)...)
				continue
			}
		}
		if !f.IsExported() {
			continue
		}
		if f.Type.Kind() == reflect.Pointer || hasOption(opts, "omitempty") || hasOption(opts, "omitzero") {
			continue
		}
		if name == "" {
			name = f.Name
		}
		names = append(names, name)
	}

	requiredCache.Store(typ, names)
	return names
}

func hasOption(opts, want string) bool {
	for opts != "" {
		var opt string
		opt, opts, _ = strings.Cut(opts, ",")
		if opt == want {
			return true
		}
	}
	return false
}
