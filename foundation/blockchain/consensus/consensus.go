// Package consensus implements the block production races: a proof of work
// race between nonce searching workers and a stake weighted race between
// validators.
package consensus

// EventHandler defines a function that is called when events occur in the
// processing of a race.
type EventHandler func(v string, args ...any)

func noopHandler(v string, args ...any) {}

func handler(ev EventHandler) EventHandler {
	if ev == nil {
		return noopHandler
	}
	return ev
}
