package transport

import (
	"errors"
	"sync/atomic"
)

var (
	// ErrContention is returned by Obtain while another caller holds the guard.
	ErrContention = errors.New("session is in use by another operation")

	// ErrNotHeld is returned by Release when the guard is free.
	ErrNotHeld = errors.New("release of a guard that is not held")
)

// Guard gives one caller at a time exclusive use of a session's stream.
//
// Obtain never blocks. A second caller gets ErrContention straight away, so
// that two commands can never interleave on the stream and concurrent misuse
// shows up where it happens. The guard is not re-entrant.
type Guard struct {
	held atomic.Bool
}

func (g *Guard) Obtain() error {
	if !g.held.CompareAndSwap(false, true) {
		return ErrContention
	}

	return nil
}

func (g *Guard) Release() error {
	if !g.held.CompareAndSwap(true, false) {
		return ErrNotHeld
	}

	return nil
}

func (g *Guard) Held() bool {
	return g.held.Load()
}
