package operation

import (
	"fmt"
	"io"
	"os"

	"github.com/rudransh-shrivastava/transfile/internal/protocol"
	"github.com/sirupsen/logrus"
)

// Receiver writes an offered file to a local destination. It drives the
// exchange: every accepted chunk triggers the request for the next one.
type Receiver struct {
	*controller
	file     *os.File
	received int64
}

var _ Controller = (*Receiver)(nil)

// NewReceiver registers a receive operation for offer on ch. destination may
// be empty and set later with SetDestination.
func NewReceiver(ch Channel, offer protocol.FileOffer, destination string, opts Options) *Receiver {
	op := newOperation(offer.FileID, offer.FileName, Receive, offer.Size, destination)
	r := &Receiver{controller: newController(op, ch, opts)}
	r.role = r
	r.attach()
	return r
}

func (r *Receiver) SetDestination(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stateLocked() != Queued {
		return ErrDestinationLocked
	}
	r.op.mu.Lock()
	r.op.path = path
	r.op.mu.Unlock()
	return nil
}

// Received is the number of bytes written so far.
func (r *Receiver) Received() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.received
}

// Start begins or resumes the transfer. It needs a destination.
func (r *Receiver) Start() error {
	r.mu.Lock()
	err := r.startLocked()
	r.mu.Unlock()
	r.events.Flush()
	return err
}

func (r *Receiver) startLocked() error {
	from := r.stateLocked()
	if !allowed(from, Progressing) {
		return &TransitionError{From: from, To: Progressing}
	}

	path := r.op.Path()
	if path == "" {
		return ErrNoDestination
	}
	if r.file == nil {
		flags := os.O_CREATE | os.O_WRONLY
		if r.received == 0 {
			flags |= os.O_TRUNC
		}
		f, err := os.OpenFile(path, flags, 0644)
		if err != nil {
			return fmt.Errorf("open destination: %w", err)
		}
		r.file = f
	}

	return r.transitionLocked(Progressing)
}

func (r *Receiver) enteredLocked(state State) {
	switch state {
	case Progressing:
		if r.enabledLocked() {
			r.requestNextLocked()
		}
	case Done, Canceled, Removed:
		r.closeLocked()
	}
}

func (r *Receiver) messageLocked(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.DataOffer:
		if r.enabledLocked() {
			r.acceptLocked(m)
		}
	case protocol.DataRequest:
	default:
		if r.enabledLocked() {
			r.requestNextLocked()
		}
	}
}

func (r *Receiver) acceptLocked(offer protocol.DataOffer) {
	log := r.log.WithFields(logrus.Fields{"offset": offer.Offset, "count": len(offer.Data)})
	if offer.Offset != r.received {
		log.WithField("expected", r.received).Debug("ignoring stale offer")
		return
	}

	data := offer.Data
	total := r.op.size
	if remaining := total - r.received; int64(len(data)) > remaining {
		data = data[:remaining]
	}
	if len(data) == 0 && r.received < total {
		r.reportLocked(fmt.Errorf("peer sent no data at offset %d of %d: %w", r.received, total, io.ErrUnexpectedEOF))
		return
	}

	if r.file == nil {
		r.reportLocked(ErrNoDestination)
		return
	}
	n, err := r.file.WriteAt(data, r.received)
	if err != nil {
		r.reportLocked(fmt.Errorf("write %s at %d: %w", r.op.Path(), r.received, err))
		return
	}

	log.Trace("chunk written")
	r.received += int64(n)
	r.setProgressLocked(r.received)
	r.requestNextLocked()
}

// requestNextLocked asks for the next unreceived range. Once everything is
// received one more request at the end offset tells the sender to finish.
func (r *Receiver) requestNextLocked() {
	total := r.op.size
	if r.received >= total {
		r.sendLocked(protocol.DataRequest{FileID: r.op.id, Offset: total, Count: r.chunkSize})
		r.setProgressLocked(total)
		_ = r.transitionLocked(Done)
		return
	}
	r.sendLocked(protocol.DataRequest{FileID: r.op.id, Offset: r.received, Count: r.chunkSize})
}

func (r *Receiver) closeLocked() {
	if r.file == nil {
		return
	}
	if err := r.file.Close(); err != nil {
		r.reportLocked(fmt.Errorf("close destination: %w", err))
	}
	r.file = nil
}
