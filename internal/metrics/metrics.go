// Package metrics records connection and transfer activity.
package metrics

import "github.com/rudransh-shrivastava/transfile/internal/protocol"

// Recorder receives events from connections and operations. Implementations
// must be safe for concurrent use.
type Recorder interface {
	ConnectionAttempt(success bool)
	ConnectionClosed()
	MessageSent(t protocol.MessageType, payloadBytes int)
	MessageReceived(t protocol.MessageType, payloadBytes int)
	OperationState(direction string, state protocol.State)
	OperationsLive(delta int)
}

// Nop discards everything.
type Nop struct{}

var _ Recorder = Nop{}

func (Nop) ConnectionAttempt(bool)                    {}
func (Nop) ConnectionClosed()                         {}
func (Nop) MessageSent(protocol.MessageType, int)     {}
func (Nop) MessageReceived(protocol.MessageType, int) {}
func (Nop) OperationState(string, protocol.State)     {}
func (Nop) OperationsLive(int)                        {}

// PayloadSize is the number of file bytes a message carries.
func PayloadSize(msg protocol.Message) int {
	if offer, ok := msg.(protocol.DataOffer); ok {
		return len(offer.Data)
	}
	return 0
}
