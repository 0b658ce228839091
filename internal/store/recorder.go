package store

import (
	"context"
	"time"

	"github.com/rudransh-shrivastava/transfile/internal/logger"
	"github.com/rudransh-shrivastava/transfile/internal/operation"
	"github.com/sirupsen/logrus"
)

const recordTimeout = 5 * time.Second

// Recorder writes an operation's state changes and errors to a History.
type Recorder struct {
	history History
	peer    string
	log     logrus.FieldLogger
}

var _ operation.Listener = (*Recorder)(nil)

func NewRecorder(history History, peer string, log logrus.FieldLogger) *Recorder {
	if log == nil {
		log = logger.Discard()
	}
	return &Recorder{history: history, peer: peer, log: log}
}

// Track records op now and on every later state change or error.
func (r *Recorder) Track(c operation.Controller) {
	r.save(c.Operation(), c.Operation().State(), nil)
	c.AddListener(r)
}

func (r *Recorder) StateChanged(op *operation.Operation, state operation.State) {
	r.save(op, state, op.LastError())
}

func (r *Recorder) ProgressChanged(*operation.Operation, float64) {}

func (r *Recorder) ErrorOccurred(op *operation.Operation, err error) {
	r.save(op, op.State(), err)
}

func (r *Recorder) save(op *operation.Operation, state operation.State, err error) {
	rec := &TransferRecord{
		FileID:      op.ID(),
		Direction:   op.Direction().String(),
		Name:        op.Name(),
		Size:        op.Size(),
		Transferred: op.Transferred(),
		State:       state.String(),
		Peer:        r.peer,
		Path:        op.Path(),
		CreatedAt:   op.CreatedAt(),
	}
	if err != nil {
		rec.Error = err.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := r.history.Record(ctx, rec); err != nil {
		r.log.WithFields(logrus.Fields{"file_id": op.ID(), "error": err}).Warn("failed to record transfer")
	}
}
