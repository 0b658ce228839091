package protocol

const (
	// DefaultChunkSize is the preferred number of bytes per DataRequest.
	DefaultChunkSize = 32 * 1024
	MaxChunkSize     = 1024 * 1024
	// MaxFrameSize bounds a single encoded message, header excluded.
	MaxFrameSize = MaxChunkSize + 4096
	frameHeader  = 4
)

type MessageType uint16

const (
	MsgFileOffer   MessageType = 0x0001
	MsgDataRequest MessageType = 0x0002
	MsgDataOffer   MessageType = 0x0003
	MsgStateSync   MessageType = 0x0004
	MsgDisconnect  MessageType = 0x0005
)

func (t MessageType) String() string {
	switch t {
	case MsgFileOffer:
		return "FILE_OFFER"
	case MsgDataRequest:
		return "DATA_REQUEST"
	case MsgDataOffer:
		return "DATA_OFFER"
	case MsgStateSync:
		return "STATE_SYNC"
	case MsgDisconnect:
		return "DISCONNECT"
	default:
		return "UNKNOWN"
	}
}

// State is the lifecycle of a single file transfer as seen by one side.
type State uint8

const (
	StateQueued State = iota + 1
	StateProgressing
	StatePaused
	StateCanceled
	StateDone
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "QUEUED"
	case StateProgressing:
		return "PROGRESSING"
	case StatePaused:
		return "PAUSED"
	case StateCanceled:
		return "CANCELED"
	case StateDone:
		return "DONE"
	case StateRemoved:
		return "REMOVED"
	default:
		return "UNKNOWN"
	}
}

func (s State) Valid() bool {
	return s >= StateQueued && s <= StateRemoved
}

// Terminal reports whether no further transfer can happen in s.
func (s State) Terminal() bool {
	return s == StateCanceled || s == StateDone || s == StateRemoved
}
