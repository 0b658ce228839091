package cmd

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rudransh-shrivastava/transfile/internal/connection"
	"github.com/rudransh-shrivastava/transfile/internal/node"
	"github.com/rudransh-shrivastava/transfile/internal/operation"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
)

// transfers draws one progress bar per operation and reports when all of
// them have finished.
type transfers struct {
	out io.Writer

	mu       sync.Mutex
	ops      []operation.Controller
	bars     map[string]*progressbar.ProgressBar
	finished map[string]bool
	changed  chan struct{}
}

func newTransfers(out io.Writer) *transfers {
	return &transfers{
		out:      out,
		bars:     make(map[string]*progressbar.ProgressBar),
		finished: make(map[string]bool),
		changed:  make(chan struct{}, 1),
	}
}

func (t *transfers) track(c operation.Controller) {
	op := c.Operation()
	bar := progressbar.NewOptions64(op.Size(),
		progressbar.OptionSetWriter(t.out),
		progressbar.OptionSetDescription(fmt.Sprintf("%-7s %s", op.Direction(), op.Name())),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(t.out) }),
	)

	t.mu.Lock()
	t.ops = append(t.ops, c)
	t.bars[op.ID()] = bar
	t.mu.Unlock()
	log.WithFields(logrus.Fields{"file_id": op.ID(), "requests": node.ChunkCount(op.Size(), cfg.ChunkSize)}).Debug("tracking transfer")

	c.AddListener(&operation.Funcs{
		OnProgress: func(op *operation.Operation, _ float64) {
			_ = bar.Set64(op.Transferred())
		},
		OnState: func(op *operation.Operation, state operation.State) {
			if state == operation.Done || state == operation.Canceled {
				t.finish(op, state)
			}
		},
		OnError: func(op *operation.Operation, err error) {
			log.WithField("file_id", op.ID()).Warnf("%s: %v", op.Name(), err)
		},
	})
	t.notify()
}

func (t *transfers) finish(op *operation.Operation, state operation.State) {
	t.mu.Lock()
	if t.finished[op.ID()] {
		t.mu.Unlock()
		return
	}
	t.finished[op.ID()] = true
	bar := t.bars[op.ID()]
	t.mu.Unlock()

	if state == operation.Done {
		_ = bar.Finish()
		sum, err := node.FileChecksum(op.Path())
		if err != nil {
			log.WithField("error", err).Debug("checksum unavailable")
			sum = "-"
		}
		fmt.Fprintf(t.out, "%s %s  %s  sha256:%s\n", op.Direction(), op.Name(), humanize.Bytes(uint64(op.Size())), sum)
	} else {
		_ = bar.Exit()
		fmt.Fprintf(t.out, "%s canceled after %s\n", op.Name(), humanize.Bytes(uint64(op.Transferred())))
	}
	t.notify()
}

func (t *transfers) notify() {
	select {
	case t.changed <- struct{}{}:
	default:
	}
}

func (t *transfers) allFinished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ops) > 0 && len(t.finished) == len(t.ops)
}

// cancelLive cancels every operation that has not finished.
func (t *transfers) cancelLive() {
	t.mu.Lock()
	ops := append([]operation.Controller(nil), t.ops...)
	t.mu.Unlock()
	for _, c := range ops {
		if !c.Operation().State().Terminal() {
			_ = c.Cancel()
		}
	}
}

// disconnected closes the returned channel when conn drops.
func disconnected(conn *connection.Connection) <-chan struct{} {
	done := make(chan struct{})
	var once sync.Once
	conn.AddListener(&connection.Funcs{OnState: func(_ *connection.Connection, s connection.State) {
		if s == connection.Disconnected {
			once.Do(func() { close(done) })
		}
	}})
	if conn.State() == connection.Disconnected {
		once.Do(func() { close(done) })
	}
	return done
}

// wait blocks until every tracked operation finished when untilFinished is
// set, the connection dropped, or ctx ended. An interrupt cancels the
// operations still running.
func (t *transfers) wait(ctx context.Context, conn *connection.Connection, untilFinished bool) error {
	dropped := disconnected(conn)
	for {
		if untilFinished && t.allFinished() {
			return nil
		}
		select {
		case <-t.changed:
		case <-dropped:
			if !t.allFinished() {
				t.cancelLive()
				if err := conn.LastError(); err != nil {
					return fmt.Errorf("peer disconnected: %w", err)
				}
			}
			return nil
		case <-ctx.Done():
			t.cancelLive()
			return context.Cause(ctx)
		}
	}
}
