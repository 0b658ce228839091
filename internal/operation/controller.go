package operation

import (
	"errors"
	"sync"
	"time"

	"github.com/rudransh-shrivastava/transfile/internal/connection"
	"github.com/rudransh-shrivastava/transfile/internal/listeners"
	"github.com/rudransh-shrivastava/transfile/internal/logger"
	"github.com/rudransh-shrivastava/transfile/internal/metrics"
	"github.com/rudransh-shrivastava/transfile/internal/peer"
	"github.com/rudransh-shrivastava/transfile/internal/protocol"
	"github.com/sirupsen/logrus"
)

// Channel is the part of a connection an operation needs.
type Channel interface {
	SendMessage(msg protocol.Message) error
	AddListener(l connection.Listener)
	RemoveListener(l connection.Listener)
}

// Listener observes an operation. Notifications are delivered in order, after
// the controller has released its lock.
type Listener interface {
	StateChanged(op *Operation, state State)
	ProgressChanged(op *Operation, progress float64)
	ErrorOccurred(op *Operation, err error)
}

// Funcs adapts plain functions to Listener. Register it by pointer.
type Funcs struct {
	OnState    func(op *Operation, state State)
	OnProgress func(op *Operation, progress float64)
	OnError    func(op *Operation, err error)
}

func (f *Funcs) StateChanged(op *Operation, state State) {
	if f.OnState != nil {
		f.OnState(op, state)
	}
}

func (f *Funcs) ProgressChanged(op *Operation, progress float64) {
	if f.OnProgress != nil {
		f.OnProgress(op, progress)
	}
}

func (f *Funcs) ErrorOccurred(op *Operation, err error) {
	if f.OnError != nil {
		f.OnError(op, err)
	}
}

// Controller is the action surface of an operation.
type Controller interface {
	Operation() *Operation
	Start() error
	Pause() error
	Cancel() error
	Done() error
	Remove() error
	AddListener(l Listener)
	RemoveListener(l Listener)
}

type Options struct {
	// ChunkSize is the byte count a receiver asks for per request.
	ChunkSize int64
	Logger    *logrus.Logger
	Metrics   metrics.Recorder
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = protocol.DefaultChunkSize
	}
	if o.ChunkSize > protocol.MaxChunkSize {
		o.ChunkSize = protocol.MaxChunkSize
	}
	if o.Logger == nil {
		o.Logger = logger.Discard()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Nop{}
	}
	return o
}

// role holds the sender or receiver specific reactions. Both methods run with
// the controller lock held.
type role interface {
	enteredLocked(state State)
	messageLocked(msg protocol.Message)
}

type controller struct {
	op        *Operation
	ch        Channel
	chunkSize int64
	log       *logrus.Entry
	metrics   metrics.Recorder
	role      role

	listeners listeners.Set[Listener]
	events    listeners.Dispatcher

	mu       sync.Mutex
	detached bool
}

func newController(op *Operation, ch Channel, opts Options) *controller {
	opts = opts.withDefaults()
	return &controller{
		op:        op,
		ch:        ch,
		chunkSize: opts.ChunkSize,
		log: opts.Logger.WithFields(logrus.Fields{
			"file_id":   op.id,
			"direction": op.direction.String(),
		}),
		metrics: opts.Metrics,
	}
}

func (c *controller) attach() { c.ch.AddListener(c) }

func (c *controller) Operation() *Operation { return c.op }

func (c *controller) AddListener(l Listener) { c.listeners.Add(l) }

func (c *controller) RemoveListener(l Listener) { c.listeners.Remove(l) }

func (c *controller) Pause() error  { return c.act(Paused) }
func (c *controller) Cancel() error { return c.act(Canceled) }
func (c *controller) Done() error   { return c.act(Done) }
func (c *controller) Remove() error { return c.act(Removed) }

func (c *controller) act(to State) error {
	c.mu.Lock()
	err := c.transitionLocked(to)
	c.mu.Unlock()
	c.events.Flush()
	return err
}

// transitionLocked applies a local state change and mirrors it to the peer.
func (c *controller) transitionLocked(to State) error {
	c.op.mu.Lock()
	from := c.op.state
	if !allowed(from, to) {
		c.op.mu.Unlock()
		return &TransitionError{From: from, To: to}
	}
	c.op.state = to
	c.op.updated = time.Now()
	c.op.mu.Unlock()

	c.log.WithFields(logrus.Fields{"from": from.String(), "state": to.String()}).Debug("state changed")
	c.metrics.OperationState(c.op.direction.String(), to)
	c.emitState(to)
	c.sendLocked(protocol.StateSync{FileID: c.op.id, State: to})

	if to == Removed {
		c.detached = true
		c.ch.RemoveListener(c)
	}
	c.role.enteredLocked(to)
	return nil
}

func (c *controller) sendLocked(msg protocol.Message) {
	if err := c.ch.SendMessage(msg); err != nil {
		entry := c.log.WithFields(logrus.Fields{"type": msg.Type().String(), "error": err})
		if errors.Is(err, connection.ErrNotConnected) {
			entry.Debug("message dropped")
			return
		}
		entry.Warn("failed to send message")
	}
}

// setProgressLocked raises progress and the transferred count; it never
// lowers them.
func (c *controller) setProgressLocked(transferred int64) {
	var progress float64
	if c.op.size > 0 {
		progress = float64(transferred) / float64(c.op.size)
	} else {
		progress = 1
	}
	if progress > 1 {
		progress = 1
	}

	c.op.mu.Lock()
	if transferred > c.op.transferred {
		c.op.transferred = transferred
	}
	raised := progress > c.op.progress
	if raised {
		c.op.progress = progress
		c.op.updated = time.Now()
	}
	c.op.mu.Unlock()

	if raised {
		c.emitProgress(progress)
	}
}

func (c *controller) reportLocked(err error) {
	c.op.mu.Lock()
	c.op.lastErr = err
	c.op.mu.Unlock()

	c.log.WithField("error", err).Error("transfer error")
	op := c.op
	c.events.Enqueue(func() {
		for _, l := range c.listeners.Snapshot() {
			l.ErrorOccurred(op, err)
		}
	})
}

func (c *controller) emitState(s State) {
	op := c.op
	c.events.Enqueue(func() {
		for _, l := range c.listeners.Snapshot() {
			l.StateChanged(op, s)
		}
	})
}

func (c *controller) emitProgress(p float64) {
	op := c.op
	c.events.Enqueue(func() {
		for _, l := range c.listeners.Snapshot() {
			l.ProgressChanged(op, p)
		}
	})
}

func (c *controller) enabledLocked() bool {
	c.op.mu.RLock()
	defer c.op.mu.RUnlock()
	return c.op.enabledLocked()
}

func (c *controller) stateLocked() State {
	c.op.mu.RLock()
	defer c.op.mu.RUnlock()
	return c.op.state
}

// remoteLocked records the peer's state and mirrors a pause or cancel.
func (c *controller) remoteLocked(s State) {
	c.op.mu.Lock()
	c.op.remoteState = s
	local := c.op.state
	c.op.mu.Unlock()

	c.log.WithField("remote_state", s.String()).Debug("remote state changed")

	switch {
	case s == Paused && local == Progressing:
		_ = c.transitionLocked(Paused)
	case s == Canceled && (local == Queued || local == Progressing || local == Paused):
		_ = c.transitionLocked(Canceled)
	}
}

func (c *controller) LocalPeerChanged(*connection.Connection, peer.URL)     {}
func (c *controller) RemotePeerChanged(*connection.Connection, peer.URL)    {}
func (c *controller) StateChanged(*connection.Connection, connection.State) {}

// MessageReceived dispatches messages addressed to this operation.
func (c *controller) MessageReceived(_ *connection.Connection, msg protocol.Message) {
	c.Handle(msg)
}

// Handle processes one inbound message. Messages for other operations,
// FileOffers and messages arriving after REMOVED are ignored.
func (c *controller) Handle(msg protocol.Message) {
	id, ok := protocol.FileIDOf(msg)
	if !ok || id != c.op.id {
		return
	}
	if _, offer := msg.(protocol.FileOffer); offer {
		return
	}

	c.mu.Lock()
	if c.detached {
		c.mu.Unlock()
		return
	}
	if ss, ok := msg.(protocol.StateSync); ok {
		c.remoteLocked(ss.State)
	}
	c.role.messageLocked(msg)
	c.mu.Unlock()

	c.events.Flush()
}
