// Package session multiplexes file operations over one connection.
package session

import (
	"errors"
	"sync"

	"github.com/rudransh-shrivastava/transfile/internal/connection"
	"github.com/rudransh-shrivastava/transfile/internal/listeners"
	"github.com/rudransh-shrivastava/transfile/internal/logger"
	"github.com/rudransh-shrivastava/transfile/internal/metrics"
	"github.com/rudransh-shrivastava/transfile/internal/operation"
	"github.com/rudransh-shrivastava/transfile/internal/peer"
	"github.com/rudransh-shrivastava/transfile/internal/protocol"
	"github.com/sirupsen/logrus"
)

var ErrClosed = errors.New("session closed")

// Listener observes operations entering and leaving a session.
type Listener interface {
	OperationAdded(s *Session, c operation.Controller)
	OperationRemoved(s *Session, c operation.Controller)
}

// Funcs adapts plain functions to Listener. Register it by pointer.
type Funcs struct {
	OnAdded   func(s *Session, c operation.Controller)
	OnRemoved func(s *Session, c operation.Controller)
}

func (f *Funcs) OperationAdded(s *Session, c operation.Controller) {
	if f.OnAdded != nil {
		f.OnAdded(s, c)
	}
}

func (f *Funcs) OperationRemoved(s *Session, c operation.Controller) {
	if f.OnRemoved != nil {
		f.OnRemoved(s, c)
	}
}

type Options struct {
	ChunkSize int64
	Logger    *logrus.Logger
	Metrics   metrics.Recorder
}

func (o Options) operation() operation.Options {
	return operation.Options{ChunkSize: o.ChunkSize, Logger: o.Logger, Metrics: o.Metrics}
}

// Session creates send operations on request and receive operations for
// every FileOffer arriving on its channel. Operations leave the session when
// they reach REMOVED.
type Session struct {
	ch       operation.Channel
	resolver DestinationResolver
	opts     Options
	log      *logrus.Logger
	metrics  metrics.Recorder

	listeners listeners.Set[Listener]
	events    listeners.Dispatcher

	mu     sync.Mutex
	ops    map[string]operation.Controller
	order  []string
	closed bool
}

// New attaches a session to ch. A nil resolver leaves offers unresolved.
func New(ch operation.Channel, resolver DestinationResolver, opts Options) *Session {
	if resolver == nil {
		resolver = Unresolved
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	s := &Session{
		ch:       ch,
		resolver: resolver,
		opts:     opts,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		ops:      make(map[string]operation.Controller),
	}
	ch.AddListener(s)
	return s
}

func (s *Session) AddListener(l Listener) { s.listeners.Add(l) }

func (s *Session) RemoveListener(l Listener) { s.listeners.Remove(l) }

// OfferFile starts sharing path with the peer. The returned sender is queued
// until the peer starts receiving.
func (s *Session) OfferFile(path string) (*operation.Sender, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	sender, err := operation.NewSender(s.ch, path, s.opts.operation())
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.addLocked(sender)
	s.mu.Unlock()
	s.events.Flush()

	if err := sender.Offer(); err != nil {
		s.log.WithFields(logrus.Fields{"file_id": sender.Operation().ID(), "error": err}).Warn("failed to send file offer")
		return sender, err
	}
	return sender, nil
}

// Operations lists the live operations in the order they were added.
func (s *Session) Operations() []operation.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]operation.Controller, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.ops[id])
	}
	return out
}

// Operation looks up a live operation by file id.
func (s *Session) Operation(id string) (operation.Controller, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.ops[id]
	return c, ok
}

// Close stops accepting offers. Live operations stay attached to the channel.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.ch.RemoveListener(s)
}

func (s *Session) addLocked(c operation.Controller) {
	op := c.Operation()
	c.AddListener(&operation.Funcs{OnState: func(_ *operation.Operation, state operation.State) {
		if state == operation.Removed {
			s.remove(op.ID())
		}
	}})

	s.ops[op.ID()] = c
	s.order = append(s.order, op.ID())
	s.events.Enqueue(func() {
		for _, l := range s.listeners.Snapshot() {
			l.OperationAdded(s, c)
		}
	})

	s.metrics.OperationsLive(1)
	s.log.WithFields(logrus.Fields{"file_id": op.ID(), "name": op.Name(), "direction": op.Direction().String()}).Info("operation added")
}

func (s *Session) remove(id string) {
	s.mu.Lock()
	c, ok := s.ops[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.ops, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.events.Enqueue(func() {
		for _, l := range s.listeners.Snapshot() {
			l.OperationRemoved(s, c)
		}
	})
	s.mu.Unlock()

	s.metrics.OperationsLive(-1)
	s.log.WithField("file_id", id).Debug("operation removed")
	s.events.Flush()
}

func (s *Session) receive(offer protocol.FileOffer) {
	log := s.log.WithFields(logrus.Fields{"file_id": offer.FileID, "name": offer.FileName, "size": offer.Size})
	if offer.Size < 0 {
		log.Warn("ignoring offer with negative size")
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, dup := s.ops[offer.FileID]; dup {
		s.mu.Unlock()
		log.Debug("ignoring repeated offer")
		return
	}
	dest, ok := s.resolver.Resolve(offer.FileName)
	if !ok {
		dest = ""
		log.Info("offer waiting for a destination")
	}
	s.addLocked(operation.NewReceiver(s.ch, offer, dest, s.opts.operation()))
	s.mu.Unlock()
	s.events.Flush()
}

func (s *Session) LocalPeerChanged(*connection.Connection, peer.URL)     {}
func (s *Session) RemotePeerChanged(*connection.Connection, peer.URL)    {}
func (s *Session) StateChanged(*connection.Connection, connection.State) {}

func (s *Session) MessageReceived(_ *connection.Connection, msg protocol.Message) {
	if offer, ok := msg.(protocol.FileOffer); ok {
		s.receive(offer)
	}
}
