// Package operation tracks the transfer of a single file over a connection.
package operation

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rudransh-shrivastava/transfile/internal/protocol"
)

type State = protocol.State

const (
	Queued      = protocol.StateQueued
	Progressing = protocol.StateProgressing
	Paused      = protocol.StatePaused
	Canceled    = protocol.StateCanceled
	Done        = protocol.StateDone
	Removed     = protocol.StateRemoved
)

type Direction int

const (
	Send Direction = iota
	Receive
)

func (d Direction) String() string {
	if d == Receive {
		return "receive"
	}
	return "send"
}

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNoDestination     = errors.New("destination not resolved")
	ErrDestinationLocked = errors.New("destination can only change while queued")
	ErrNotRegularFile    = errors.New("not a regular file")
)

// TransitionError reports a controller action the current state does not
// allow.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%v: %s -> %s", ErrInvalidTransition, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

var transitions = map[State][]State{
	Queued:      {Progressing, Canceled},
	Progressing: {Paused, Canceled, Done},
	Paused:      {Progressing, Canceled},
	Canceled:    {Removed},
	Done:        {Removed},
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Operation is the observable record of one file transfer. It is only
// mutated by its controller.
type Operation struct {
	id        string
	name      string
	direction Direction
	size      int64
	created   time.Time

	mu          sync.RWMutex
	state       State
	remoteState State
	progress    float64
	transferred int64
	path        string
	updated     time.Time
	lastErr     error
}

func newOperation(id, name string, direction Direction, size int64, path string) *Operation {
	now := time.Now()
	return &Operation{
		id:        id,
		name:      name,
		direction: direction,
		size:      size,
		created:   now,
		state:     Queued,
		path:      path,
		updated:   now,
	}
}

func (o *Operation) ID() string { return o.id }

func (o *Operation) Name() string { return o.name }

func (o *Operation) Direction() Direction { return o.direction }

// Size is the total byte count of the file.
func (o *Operation) Size() int64 { return o.size }

func (o *Operation) CreatedAt() time.Time { return o.created }

func (o *Operation) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// RemoteState is the last state the peer reported, false until it reports one.
func (o *Operation) RemoteState() (State, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.remoteState, o.remoteState != 0
}

func (o *Operation) Progress() float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.progress
}

// Transferred is the number of bytes requested from a sender or written by a
// receiver.
func (o *Operation) Transferred() int64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.transferred
}

// Path is the local source or destination file.
func (o *Operation) Path() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.path
}

func (o *Operation) UpdatedAt() time.Time {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.updated
}

func (o *Operation) LastError() error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastErr
}

// TransferEnabled reports whether both sides are PROGRESSING.
func (o *Operation) TransferEnabled() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.enabledLocked()
}

func (o *Operation) enabledLocked() bool {
	return o.state == Progressing && o.remoteState == Progressing
}

func (o *Operation) String() string {
	return fmt.Sprintf("%s %s (%s)", o.direction, o.name, o.id)
}
