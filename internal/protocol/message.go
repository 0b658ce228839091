package protocol

// Message is one frame on a connection. Every variant except Disconnect is
// addressed to exactly one operation through its FileID.
type Message interface {
	Type() MessageType
}

type FileOffer struct {
	FileID   string
	FileName string
	Size     int64
}

func (FileOffer) Type() MessageType { return MsgFileOffer }

type DataRequest struct {
	FileID string
	Offset int64
	Count  int64
}

func (DataRequest) Type() MessageType { return MsgDataRequest }

type DataOffer struct {
	FileID string
	Offset int64
	Data   []byte
}

func (DataOffer) Type() MessageType { return MsgDataOffer }

type StateSync struct {
	FileID string
	State  State
}

func (StateSync) Type() MessageType { return MsgStateSync }

type Disconnect struct{}

func (Disconnect) Type() MessageType { return MsgDisconnect }

// FileIDOf returns the operation a message is addressed to, or false for
// connection-level messages.
func FileIDOf(msg Message) (string, bool) {
	switch m := msg.(type) {
	case FileOffer:
		return m.FileID, true
	case DataRequest:
		return m.FileID, true
	case DataOffer:
		return m.FileID, true
	case StateSync:
		return m.FileID, true
	default:
		return "", false
	}
}
