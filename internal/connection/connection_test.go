package connection

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/transfile/internal/peer"
	"github.com/rudransh-shrivastava/transfile/internal/protocol"
	"github.com/rudransh-shrivastava/transfile/internal/transport"
)

type recorder struct {
	mu       sync.Mutex
	states   []State
	messages []protocol.Message
	order    []string
	changed  chan struct{}
}

func newRecorder() *recorder {
	return &recorder{changed: make(chan struct{}, 256)}
}

func (r *recorder) LocalPeerChanged(*Connection, peer.URL)  {}
func (r *recorder) RemotePeerChanged(*Connection, peer.URL) {}

func (r *recorder) StateChanged(_ *Connection, s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.order = append(r.order, s.String())
	r.mu.Unlock()
	r.changed <- struct{}{}
}

func (r *recorder) MessageReceived(_ *Connection, msg protocol.Message) {
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.order = append(r.order, msg.Type().String())
	r.mu.Unlock()
	r.changed <- struct{}{}
}

func (r *recorder) snapshot() ([]State, []protocol.Message, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...), append([]protocol.Message(nil), r.messages...), append([]string(nil), r.order...)
}

// waitFor polls until cond holds or the deadline passes.
func (r *recorder) waitFor(t *testing.T, what string, cond func(states []State, msgs []protocol.Message) bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		states, msgs, _ := r.snapshot()
		if cond(states, msgs) {
			return
		}
		select {
		case <-r.changed:
		case <-deadline:
			t.Fatalf("timed out waiting for %s: states=%v messages=%v", what, states, msgs)
		}
	}
}

func freePort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer func() { _ = ln.Close() }()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

func loopbackURL(t *testing.T) peer.URL {
	t.Helper()
	return peer.MustParseURL("transfile://127.0.0.1:" + strconv.Itoa(int(freePort(t))))
}

func transportConfig() transport.Config {
	return transport.Config{ConnectTimeout: 3 * time.Second, IntervalTimeout: 50 * time.Millisecond}
}

func connectedPair(t *testing.T) (*Connection, *recorder, *Connection, *recorder) {
	t.Helper()
	urlA, urlB := loopbackURL(t), loopbackURL(t)

	a := New(Config{Establisher: transport.NewBilateral(transportConfig()), Local: urlA, Remote: urlB})
	b := New(Config{Establisher: transport.NewBilateral(transportConfig()), Local: urlB, Remote: urlA})
	recA, recB := newRecorder(), newRecorder()
	a.AddListener(recA)
	b.AddListener(recB)

	if err := a.Connect(); err != nil {
		t.Fatalf("Connect A failed: %v", err)
	}
	if err := b.Connect(); err != nil {
		t.Fatalf("Connect B failed: %v", err)
	}

	connected := func(states []State, _ []protocol.Message) bool {
		return len(states) > 0 && states[len(states)-1] == Connected
	}
	recA.waitFor(t, "A connected", connected)
	recB.waitFor(t, "B connected", connected)
	return a, recA, b, recB
}

func TestConnectThenDisconnectWithoutPeer(t *testing.T) {
	c := New(Config{
		Establisher: transport.NewBilateral(transportConfig()),
		Local:       loopbackURL(t),
		Remote:      loopbackURL(t),
	})
	rec := newRecorder()
	c.AddListener(rec)

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	c.Disconnect()

	// give a cancelled attempt time to report, it must stay silent
	time.Sleep(200 * time.Millisecond)

	states, _, _ := rec.snapshot()
	if len(states) != 2 || states[0] != Connecting || states[1] != Disconnected {
		t.Errorf("expected [CONNECTING DISCONNECTED], got %v", states)
	}
	if c.State() != Disconnected {
		t.Errorf("expected DISCONNECTED, got %v", c.State())
	}
}

func TestMutualPeersExchangeMessages(t *testing.T) {
	a, recA, b, recB := connectedPair(t)
	defer a.Disconnect()
	defer b.Disconnect()

	for _, rec := range []*recorder{recA, recB} {
		states, _, _ := rec.snapshot()
		if len(states) != 2 || states[0] != Connecting || states[1] != Connected {
			t.Errorf("expected [CONNECTING CONNECTED], got %v", states)
		}
	}

	for i := int64(0); i < 10; i++ {
		if err := a.SendMessage(protocol.DataRequest{FileID: "f", Offset: i, Count: 1}); err != nil {
			t.Fatalf("SendMessage failed: %v", err)
		}
	}

	recB.waitFor(t, "ten messages", func(_ []State, msgs []protocol.Message) bool { return len(msgs) == 10 })
	_, msgs, _ := recB.snapshot()
	for i, msg := range msgs {
		req, ok := msg.(protocol.DataRequest)
		if !ok || req.Offset != int64(i) {
			t.Errorf("message %d out of order: %#v", i, msg)
		}
	}
	if a.LastMessageTime().IsZero() {
		t.Error("expected last message time to be set")
	}
}

func TestConcurrentSendersDoNotInterleave(t *testing.T) {
	a, _, b, recB := connectedPair(t)
	defer a.Disconnect()
	defer b.Disconnect()

	payload := make([]byte, 64*1024)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = a.SendMessage(protocol.DataOffer{FileID: "f", Offset: int64(i), Data: payload})
		}(i)
	}
	wg.Wait()

	recB.waitFor(t, "eight offers", func(_ []State, msgs []protocol.Message) bool { return len(msgs) == 8 })
	_, msgs, _ := recB.snapshot()
	for _, msg := range msgs {
		if offer, ok := msg.(protocol.DataOffer); !ok || len(offer.Data) != len(payload) {
			t.Errorf("corrupted message %T", msg)
		}
	}
}

func TestSendWhileDisconnectedIsNoop(t *testing.T) {
	c := New(Config{Establisher: transport.NewBilateral(transportConfig()), Local: loopbackURL(t), Remote: loopbackURL(t)})
	if err := c.SendMessage(protocol.Disconnect{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestDisconnectNotifiesPeer(t *testing.T) {
	a, recA, b, recB := connectedPair(t)

	a.Disconnect()

	recB.waitFor(t, "B disconnected", func(states []State, msgs []protocol.Message) bool {
		return len(msgs) == 1 && states[len(states)-1] == Disconnected
	})

	_, _, order := recB.snapshot()
	want := []string{"CONNECTING", "CONNECTED", "DISCONNECTED", "DISCONNECT"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("expected %v, got %v", want, order)
			break
		}
	}

	states, _, _ := recA.snapshot()
	if states[len(states)-1] != Disconnected {
		t.Errorf("expected A DISCONNECTED, got %v", states)
	}

	if err := a.SendMessage(protocol.Disconnect{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected after disconnect, got %v", err)
	}
	if b.State() != Disconnected {
		t.Errorf("expected B DISCONNECTED, got %v", b.State())
	}
}

func TestConnectTwiceIsIllegal(t *testing.T) {
	c := New(Config{Establisher: transport.NewBilateral(transportConfig()), Local: loopbackURL(t), Remote: loopbackURL(t)})
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Disconnect()

	if err := c.Connect(); !errors.Is(err, ErrIllegalState) {
		t.Errorf("expected ErrIllegalState, got %v", err)
	}
	if err := c.SetRemotePeer(loopbackURL(t)); !errors.Is(err, ErrIllegalState) {
		t.Errorf("expected ErrIllegalState for SetRemotePeer, got %v", err)
	}
}

type failingEstablisher struct{ err error }

func (f failingEstablisher) Establish(context.Context, peer.URL, peer.URL) (net.Conn, error) {
	return nil, f.err
}

func TestFailedAttemptRecordsLastError(t *testing.T) {
	cause := &transport.BilateralConnectError{Outbound: transport.ErrTimeout, Inbound: transport.ErrTimeout}
	c := New(Config{Establisher: failingEstablisher{err: cause}, Local: loopbackURL(t), Remote: loopbackURL(t)})
	rec := newRecorder()
	c.AddListener(rec)

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	rec.waitFor(t, "disconnected", func(states []State, _ []protocol.Message) bool { return len(states) == 2 })

	states, _, _ := rec.snapshot()
	if states[0] != Connecting || states[1] != Disconnected {
		t.Errorf("expected [CONNECTING DISCONNECTED], got %v", states)
	}
	var be *transport.BilateralConnectError
	if !errors.As(c.LastError(), &be) {
		t.Errorf("expected BilateralConnectError, got %v", c.LastError())
	}
}

func TestReconnectAfterDisconnect(t *testing.T) {
	a, _, b, _ := connectedPair(t)
	a.Disconnect()
	waitState(t, b, Disconnected)

	if err := a.Connect(); err != nil {
		t.Fatalf("reconnect A failed: %v", err)
	}
	if err := b.Connect(); err != nil {
		t.Fatalf("reconnect B failed: %v", err)
	}
	defer a.Disconnect()
	defer b.Disconnect()

	waitState(t, a, Connected)
	waitState(t, b, Connected)
}

func waitState(t *testing.T, c *Connection, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for c.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %v, still %v", want, c.State())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSetRemotePeerNotifies(t *testing.T) {
	c := New(Config{})
	var got []peer.URL
	c.AddListener(&Funcs{OnRemotePeer: func(_ *Connection, u peer.URL) { got = append(got, u) }})

	u := loopbackURL(t)
	if err := c.SetRemotePeer(u); err != nil {
		t.Fatalf("SetRemotePeer failed: %v", err)
	}
	if err := c.SetRemotePeer(u); err != nil {
		t.Fatalf("SetRemotePeer failed: %v", err)
	}
	if len(got) != 1 || !got[0].Equal(u) {
		t.Errorf("expected one notification for %v, got %v", u, got)
	}
	if err := c.Connect(); !errors.Is(err, ErrNoRemotePeer) {
		t.Errorf("expected ErrNoRemotePeer without an establisher, got %v", err)
	}
}

type pipeEstablisher struct{ conn net.Conn }

func (p pipeEstablisher) Establish(context.Context, peer.URL, peer.URL) (net.Conn, error) {
	return p.conn, nil
}

var errCloseFailed = errors.New("close failed")

type closeFailingConn struct{ net.Conn }

func (c closeFailingConn) Close() error {
	_ = c.Conn.Close()
	return errCloseFailed
}

// pipeConnection connects a Connection over one end of an in-memory pipe.
func pipeConnection(t *testing.T, end net.Conn) *Connection {
	t.Helper()
	c := New(Config{
		Establisher:  pipeEstablisher{conn: end},
		Local:        loopbackURL(t),
		Remote:       loopbackURL(t),
		WriteTimeout: 200 * time.Millisecond,
	})
	t.Cleanup(c.Disconnect)
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	waitState(t, c, Connected)
	return c
}

func TestPartialWriteDropsConnection(t *testing.T) {
	local, raw := net.Pipe()
	c := pipeConnection(t, local)
	t.Cleanup(func() { _ = raw.Close() })

	read := make(chan error, 1)
	go func() {
		_, err := io.ReadFull(raw, make([]byte, 10))
		read <- err
	}()

	err := c.SendMessage(protocol.DataOffer{FileID: "f", Data: make([]byte, 4096)})
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("expected a write timeout, got %v", err)
	}
	if err := <-read; err != nil {
		t.Fatalf("reading the frame start failed: %v", err)
	}

	if c.State() != Disconnected {
		t.Fatalf("expected DISCONNECTED after a partial frame, got %v", c.State())
	}
	if !errors.Is(c.LastError(), os.ErrDeadlineExceeded) {
		t.Errorf("expected the write timeout as last error, got %v", c.LastError())
	}
	if err := c.SendMessage(protocol.Disconnect{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestUnsentWriteKeepsConnection(t *testing.T) {
	local, raw := net.Pipe()
	c := pipeConnection(t, local)
	t.Cleanup(func() { _ = raw.Close() })

	err := c.SendMessage(protocol.StateSync{FileID: "f", State: protocol.StatePaused})
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("expected a write timeout, got %v", err)
	}
	if c.State() != Connected {
		t.Fatalf("expected CONNECTED after an unsent frame, got %v", c.State())
	}
	if c.LastError() != err {
		t.Errorf("expected last error %v, got %v", err, c.LastError())
	}

	decoded := make(chan protocol.Message, 1)
	go func() {
		msg, err := protocol.NewCodec().Decode(raw)
		if err != nil {
			t.Errorf("Decode failed: %v", err)
		}
		decoded <- msg
	}()

	want := protocol.StateSync{FileID: "f", State: protocol.StateProgressing}
	if err := c.SendMessage(want); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if got := <-decoded; got != want {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestCloseFailureWithoutPriorError(t *testing.T) {
	local, raw := net.Pipe()
	c := pipeConnection(t, closeFailingConn{Conn: local})
	t.Cleanup(func() { _ = raw.Close() })
	go func() { _, _ = io.Copy(io.Discard, raw) }()

	c.Disconnect()

	var closeErr *transport.CloseError
	if !errors.As(c.LastError(), &closeErr) {
		t.Fatalf("expected a CloseError, got %v", c.LastError())
	}
	if closeErr.Cause != nil {
		t.Errorf("expected no cause, got %v", closeErr.Cause)
	}
	if got := c.LastError().Error(); got != "failed to close: close failed" {
		t.Errorf("unexpected message %q", got)
	}
}
