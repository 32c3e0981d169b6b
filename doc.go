// Package syncstate keeps typed backend state in sync with a frontend that
// can only exchange serialized messages.
//
// # Registry
//
// A Registry stores values of arbitrary types under string keys. Access is
// generic and checked: the type a key was set with is the only type it can
// be read or updated as.
//
//	reg := syncstate.NewRegistry()
//	syncstate.Set(reg, "Counter", 0)
//	_ = syncstate.Update(reg, "Counter", 1)
//
//	err := syncstate.With(reg, "Counter", func(n *int) error {
//	    *n++
//	    return nil
//	})
//
// Reading a key as the wrong type fails with a *TypeMismatchError.
//
// # Envelopes
//
// Values cross the channel as an Envelope carrying the key name and the
// JSON encoding of the full value. Outbound envelopes are published on
// TopicFor(key), i.e. "<key>_update"; the frontend publishes on UpdateTopic.
//
// # Syncer
//
// A Syncer combines the registry with an Emitter and a Listener bound to one
// Channel. Bindings fix the type used to decode each key's payload:
//
//	s, err := syncstate.New(channel, []syncstate.Binding{
//	    syncstate.Bind[Settings]("Settings"),
//	})
//	_ = s.Start()
//
//	err = syncstate.Commit(ctx, s, "Settings", func(v *Settings) error {
//	    v.Theme = "dark"
//	    return nil
//	}, syncstate.Republish)
//
// Updates arriving from the channel are applied with ApplyOnly and are never
// published back, which keeps the two sides from echoing each other.
package syncstate
