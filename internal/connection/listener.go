package connection

import (
	"github.com/rudransh-shrivastava/transfile/internal/peer"
	"github.com/rudransh-shrivastava/transfile/internal/protocol"
)

// Listener observes a Connection. Notifications for one connection are
// delivered one at a time in the order the changes happened. A listener may
// call back into the connection; such calls are delivered after the current
// notification returns.
type Listener interface {
	LocalPeerChanged(c *Connection, local peer.URL)
	RemotePeerChanged(c *Connection, remote peer.URL)
	StateChanged(c *Connection, state State)
	MessageReceived(c *Connection, msg protocol.Message)
}

// Funcs adapts plain functions to Listener. Nil fields are skipped. Register
// it by pointer.
type Funcs struct {
	OnLocalPeer  func(c *Connection, local peer.URL)
	OnRemotePeer func(c *Connection, remote peer.URL)
	OnState      func(c *Connection, state State)
	OnMessage    func(c *Connection, msg protocol.Message)
}

var _ Listener = (*Funcs)(nil)

func (f *Funcs) LocalPeerChanged(c *Connection, local peer.URL) {
	if f.OnLocalPeer != nil {
		f.OnLocalPeer(c, local)
	}
}

func (f *Funcs) RemotePeerChanged(c *Connection, remote peer.URL) {
	if f.OnRemotePeer != nil {
		f.OnRemotePeer(c, remote)
	}
}

func (f *Funcs) StateChanged(c *Connection, state State) {
	if f.OnState != nil {
		f.OnState(c, state)
	}
}

func (f *Funcs) MessageReceived(c *Connection, msg protocol.Message) {
	if f.OnMessage != nil {
		f.OnMessage(c, msg)
	}
}

type eventKind int

const (
	eventLocalPeer eventKind = iota
	eventRemotePeer
	eventState
	eventMessage
)

type event struct {
	kind  eventKind
	url   peer.URL
	state State
	msg   protocol.Message
}

func (c *Connection) deliver(ev event) {
	for _, l := range c.listeners.Snapshot() {
		switch ev.kind {
		case eventLocalPeer:
			l.LocalPeerChanged(c, ev.url)
		case eventRemotePeer:
			l.RemotePeerChanged(c, ev.url)
		case eventState:
			l.StateChanged(c, ev.state)
		case eventMessage:
			l.MessageReceived(c, ev.msg)
		}
	}
}
