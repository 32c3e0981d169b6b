// Package appstate declares the application state shared with the frontend.
package appstate

import (
	syncstate "github.com/xjerod/synced-state-example"
)

// InternalStateKey is the registry key of InternalState.
const InternalStateKey = "InternalState"

// InternalState is the session state the UI renders.
type InternalState struct {
	Authenticated bool   `json:"authenticated"`
	Name          string `json:"name"`
}

// Bindings returns the key/type table for every synchronized value.
func Bindings() []syncstate.Binding {
	return []syncstate.Binding{
		syncstate.Bind[InternalState](InternalStateKey),
	}
}

// SeedDefaults stores the initial value of every key that is not already
// present in r.
func SeedDefaults(r *syncstate.Registry) {
	if !r.Has(InternalStateKey) {
		syncstate.Set(r, InternalStateKey, InternalState{})
	}
}
