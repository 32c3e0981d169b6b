// Package socketio carries syncstate envelopes over socket.io.
//
// Server hosts the frontend's socket.io connections inside the backend's
// HTTP server. Client dials an external socket.io endpoint instead, for
// setups where a relay sits between the backend and the UI.
package socketio

import (
	"encoding/json"
	"errors"
	"fmt"

	syncstate "github.com/xjerod/synced-state-example"
)

var errNoPayload = errors.New("socketio: event has no payload")

// decodeEnvelope converts the arguments of a socket.io event into an
// envelope. The payload may arrive as a decoded JSON object, a JSON string
// or raw bytes; a trailing acknowledgement callback is ignored.
func decodeEnvelope(args []any) (syncstate.Envelope, error) {
	var env syncstate.Envelope
	if len(args) == 0 {
		return env, errNoPayload
	}

	var data []byte
	switch v := args[0].(type) {
	case nil:
		return env, errNoPayload
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return env, fmt.Errorf("socketio: re-encode payload: %w", err)
		}
		data = encoded
	}

	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("socketio: decode envelope: %w", err)
	}
	if env.Name == "" {
		return env, errors.New("socketio: envelope without name")
	}
	return env, nil
}
