package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldType     protowire.Number = 1
	fieldFileID   protowire.Number = 2
	fieldOffset   protowire.Number = 3
	fieldCount    protowire.Number = 4
	fieldData     protowire.Number = 5
	fieldState    protowire.Number = 6
	fieldFileName protowire.Number = 7
)

var (
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size")
	ErrUnknownMessage = errors.New("unknown message type")
	ErrInvalidMessage = errors.New("invalid message")
)

// Codec reads and writes length-prefixed frames. Each frame body is a flat
// protobuf wire-format record keyed by the field numbers above.
type Codec struct{}

func NewCodec() *Codec {
	return &Codec{}
}

// Encode writes msg as one frame with a single Write call.
func (c *Codec) Encode(w io.Writer, msg Message) error {
	frame, err := c.EncodeToBytes(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

func (c *Codec) Decode(r io.Reader) (Message, error) {
	var header [frameHeader]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return unmarshal(body)
}

func (c *Codec) EncodeToBytes(msg Message) ([]byte, error) {
	frame := make([]byte, frameHeader, frameHeader+64)
	frame, err := marshal(frame, msg)
	if err != nil {
		return nil, err
	}

	length := len(frame) - frameHeader
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	binary.BigEndian.PutUint32(frame[:frameHeader], uint32(length))
	return frame, nil
}

func (c *Codec) DecodeFromBytes(data []byte) (Message, error) {
	return c.Decode(bytes.NewReader(data))
}

func marshal(b []byte, msg Message) ([]byte, error) {
	b = appendVarint(b, fieldType, uint64(msg.Type()))

	switch m := msg.(type) {
	case FileOffer:
		if m.Size < 0 {
			return nil, fmt.Errorf("%w: negative size", ErrInvalidMessage)
		}
		b = appendString(b, fieldFileID, m.FileID)
		b = appendString(b, fieldFileName, m.FileName)
		b = appendVarint(b, fieldCount, uint64(m.Size))
	case DataRequest:
		if m.Offset < 0 || m.Count < 0 {
			return nil, fmt.Errorf("%w: negative range", ErrInvalidMessage)
		}
		b = appendString(b, fieldFileID, m.FileID)
		b = appendVarint(b, fieldOffset, uint64(m.Offset))
		b = appendVarint(b, fieldCount, uint64(m.Count))
	case DataOffer:
		if m.Offset < 0 {
			return nil, fmt.Errorf("%w: negative offset", ErrInvalidMessage)
		}
		b = appendString(b, fieldFileID, m.FileID)
		b = appendVarint(b, fieldOffset, uint64(m.Offset))
		b = protowire.AppendTag(b, fieldData, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Data)
	case StateSync:
		b = appendString(b, fieldFileID, m.FileID)
		b = appendVarint(b, fieldState, uint64(m.State))
	case Disconnect:
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
	}
	return b, nil
}

type fields struct {
	typ      MessageType
	fileID   string
	fileName string
	offset   uint64
	count    uint64
	data     []byte
	state    State
}

func unmarshal(b []byte) (Message, error) {
	var f fields
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && (num == fieldType || num == fieldOffset || num == fieldCount || num == fieldState):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldType:
				f.typ = MessageType(v)
			case fieldOffset:
				f.offset = v
			case fieldCount:
				f.count = v
			case fieldState:
				f.state = State(v)
			}
		case typ == protowire.BytesType && (num == fieldFileID || num == fieldFileName || num == fieldData):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldFileID:
				f.fileID = string(v)
			case fieldFileName:
				f.fileName = string(v)
			case fieldData:
				f.data = append([]byte(nil), v...)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if f.offset > 1<<62 || f.count > 1<<62 {
		return nil, fmt.Errorf("%w: range out of bounds", ErrInvalidMessage)
	}

	switch f.typ {
	case MsgFileOffer:
		return FileOffer{FileID: f.fileID, FileName: f.fileName, Size: int64(f.count)}, nil
	case MsgDataRequest:
		return DataRequest{FileID: f.fileID, Offset: int64(f.offset), Count: int64(f.count)}, nil
	case MsgDataOffer:
		if f.data == nil {
			f.data = []byte{}
		}
		return DataOffer{FileID: f.fileID, Offset: int64(f.offset), Data: f.data}, nil
	case MsgStateSync:
		if !f.state.Valid() {
			return nil, fmt.Errorf("%w: state %d", ErrInvalidMessage, f.state)
		}
		return StateSync{FileID: f.fileID, State: f.state}, nil
	case MsgDisconnect:
		return Disconnect{}, nil
	default:
		return nil, fmt.Errorf("%w: 0x%04x", ErrUnknownMessage, uint16(f.typ))
	}
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}
