package operation

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rudransh-shrivastava/transfile/internal/protocol"
	"github.com/sirupsen/logrus"
)

// Sender serves a local file to the peer. It answers DataRequests while the
// transfer is enabled and completes when the peer requests the end offset.
type Sender struct {
	*controller
	file *os.File
}

var _ Controller = (*Sender)(nil)

// NewSender registers a send operation for path on ch. The file must be a
// regular file; it is opened when first read.
func NewSender(ch Channel, path string, opts Options) (*Sender, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s: %w", path, ErrNotRegularFile)
	}

	op := newOperation(uuid.NewString(), filepath.Base(path), Send, info.Size(), path)
	s := &Sender{controller: newController(op, ch, opts)}
	s.role = s
	s.attach()
	return s, nil
}

// Offer announces the file to the peer.
func (s *Sender) Offer() error {
	return s.ch.SendMessage(protocol.FileOffer{FileID: s.op.id, FileName: s.op.name, Size: s.op.size})
}

func (s *Sender) Start() error {
	return s.act(Progressing)
}

func (s *Sender) enteredLocked(state State) {
	switch state {
	case Done, Canceled, Removed:
		s.closeLocked()
	}
}

func (s *Sender) messageLocked(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.StateSync:
		if m.State == Progressing && s.stateLocked() == Queued {
			_ = s.transitionLocked(Progressing)
		}
	case protocol.DataRequest:
		if s.enabledLocked() {
			s.serveLocked(m)
		}
	}
}

func (s *Sender) serveLocked(req protocol.DataRequest) {
	total := s.op.size
	if req.Offset >= total {
		s.setProgressLocked(total)
		_ = s.transitionLocked(Done)
		return
	}

	count := req.Count
	if count > protocol.MaxChunkSize {
		count = protocol.MaxChunkSize
	}
	if remaining := total - req.Offset; count > remaining {
		count = remaining
	}

	f, err := s.openLocked()
	if err != nil {
		s.reportLocked(err)
		return
	}

	buf := make([]byte, count)
	n, err := f.ReadAt(buf, req.Offset)
	if err != nil && !errors.Is(err, io.EOF) {
		s.reportLocked(fmt.Errorf("read %s at %d: %w", s.op.path, req.Offset, err))
		return
	}

	s.log.WithFields(logrus.Fields{"offset": req.Offset, "count": n}).Trace("serving chunk")
	s.sendLocked(protocol.DataOffer{FileID: s.op.id, Offset: req.Offset, Data: buf[:n]})
	s.setProgressLocked(req.Offset)
}

func (s *Sender) openLocked() (*os.File, error) {
	if s.file != nil {
		return s.file, nil
	}
	f, err := os.Open(s.op.path)
	if err != nil {
		return nil, err
	}
	s.file = f
	return f, nil
}

func (s *Sender) closeLocked() {
	if s.file == nil {
		return
	}
	if err := s.file.Close(); err != nil {
		s.log.WithField("error", err).Warn("failed to close source file")
	}
	s.file = nil
}
