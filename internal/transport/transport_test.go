package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/rudransh-shrivastava/transfile/internal/peer"
)

func freePort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer func() { _ = ln.Close() }()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

func loopbackURL(t *testing.T, port uint16) peer.URL {
	t.Helper()
	u, err := peer.ParseURL("transfile://127.0.0.1:" + strconv.Itoa(int(port)))
	if err != nil {
		t.Fatalf("ParseURL failed: %v", err)
	}
	return u
}

func fastConfig() Config {
	return Config{ConnectTimeout: 2 * time.Second, IntervalTimeout: 50 * time.Millisecond}
}

type establishResult struct {
	conn net.Conn
	err  error
}

func TestPointToPointDialAccept(t *testing.T) {
	serverURL := loopbackURL(t, freePort(t))
	clientURL := loopbackURL(t, freePort(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan establishResult, 1)
	go func() {
		conn, err := NewPointToPoint(fastConfig(), ModeInbound).Establish(ctx, serverURL, clientURL)
		accepted <- establishResult{conn, err}
	}()

	clientConn, err := NewPointToPoint(fastConfig(), ModeOutbound).Establish(ctx, clientURL, serverURL)
	if err != nil {
		t.Fatalf("outbound Establish failed: %v", err)
	}
	defer func() { _ = clientConn.Close() }()

	var serverConn net.Conn
	select {
	case r := <-accepted:
		if r.err != nil {
			t.Fatalf("inbound Establish failed: %v", r.err)
		}
		serverConn = r.conn
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for accept")
	}
	defer func() { _ = serverConn.Close() }()

	if _, err := clientConn.Write([]byte("ping")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(serverConn, buf); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("expected ping, got %q", buf)
	}
}

func TestPointToPointDialTimeout(t *testing.T) {
	remote := loopbackURL(t, freePort(t))
	cfg := Config{ConnectTimeout: 300 * time.Millisecond, IntervalTimeout: 50 * time.Millisecond}

	start := time.Now()
	_, err := NewPointToPoint(cfg, ModeOutbound).Establish(context.Background(), loopbackURL(t, 1), remote)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	var te *TimeoutError
	if !errors.As(err, &te) || te.Last == nil {
		t.Errorf("expected TimeoutError carrying the last dial error, got %#v", err)
	}
	if elapsed < 250*time.Millisecond || elapsed > 2*time.Second {
		t.Errorf("unexpected elapsed time %s", elapsed)
	}
}

func TestAcceptRejectsUnexpectedPeer(t *testing.T) {
	local := loopbackURL(t, freePort(t))
	stranger, err := peer.ParseURL("transfile://10.255.255.1:4000")
	if err != nil {
		t.Fatalf("ParseURL failed: %v", err)
	}
	cfg := Config{ConnectTimeout: 600 * time.Millisecond, IntervalTimeout: 50 * time.Millisecond}

	result := make(chan error, 1)
	go func() {
		_, err := NewPointToPoint(cfg, ModeInbound).Establish(context.Background(), local, stranger)
		result <- err
	}()

	var conn net.Conn
	for i := 0; i < 20; i++ {
		conn, err = net.Dial("tcp", local.Addr())
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer func() { _ = conn.Close() }()

	select {
	case err := <-result:
		var te *TimeoutError
		if !errors.As(err, &te) {
			t.Fatalf("expected TimeoutError, got %v", err)
		}
		var up *UnexpectedPeerError
		if !errors.As(te.Last, &up) {
			t.Errorf("expected last error to be UnexpectedPeerError, got %v", te.Last)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("accept loop did not finish")
	}
}

func TestPointToPointBindError(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer func() { _ = ln.Close() }()

	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	_, err = NewPointToPoint(fastConfig(), ModeInbound).Establish(context.Background(), loopbackURL(t, port), loopbackURL(t, 4000))

	var be *BindError
	if !errors.As(err, &be) {
		t.Fatalf("expected BindError, got %v", err)
	}
	if be.Port != port {
		t.Errorf("expected port %d, got %d", port, be.Port)
	}
}

func TestBilateralBothSides(t *testing.T) {
	for i := 0; i < 5; i++ {
		a := loopbackURL(t, freePort(t))
		b := loopbackURL(t, freePort(t))

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)

		results := make(chan establishResult, 1)
		go func() {
			conn, err := NewBilateral(fastConfig()).Establish(ctx, b, a)
			results <- establishResult{conn, err}
		}()

		connA, err := NewBilateral(fastConfig()).Establish(ctx, a, b)
		if err != nil {
			cancel()
			t.Fatalf("run %d: Establish A failed: %v", i, err)
		}

		r := <-results
		if r.err != nil {
			cancel()
			t.Fatalf("run %d: Establish B failed: %v", i, r.err)
		}

		if _, err := connA.Write([]byte("hello")); err != nil {
			t.Fatalf("run %d: Write failed: %v", i, err)
		}
		_ = r.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		buf := make([]byte, 5)
		if _, err := io.ReadFull(r.conn, buf); err != nil {
			t.Fatalf("run %d: peers did not agree on one socket: %v", i, err)
		}
		if string(buf) != "hello" {
			t.Errorf("run %d: expected hello, got %q", i, buf)
		}

		_ = connA.Close()
		_ = r.conn.Close()
		cancel()
	}
}

func TestBilateralNoCounterpart(t *testing.T) {
	local := loopbackURL(t, freePort(t))
	remote := loopbackURL(t, freePort(t))
	cfg := Config{ConnectTimeout: 400 * time.Millisecond, IntervalTimeout: 50 * time.Millisecond}

	start := time.Now()
	_, err := NewBilateral(cfg).Establish(context.Background(), local, remote)
	elapsed := time.Since(start)

	var be *BilateralConnectError
	if !errors.As(err, &be) {
		t.Fatalf("expected BilateralConnectError, got %v", err)
	}
	if !errors.Is(be.Outbound, ErrTimeout) {
		t.Errorf("expected outbound timeout, got %v", be.Outbound)
	}
	if !errors.Is(be.Inbound, ErrTimeout) {
		t.Errorf("expected inbound timeout, got %v", be.Inbound)
	}
	if elapsed < 350*time.Millisecond || elapsed > 3*time.Second {
		t.Errorf("unexpected elapsed time %s", elapsed)
	}
}

func TestBilateralInterrupted(t *testing.T) {
	local := loopbackURL(t, freePort(t))
	remote := loopbackURL(t, freePort(t))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	_, err := NewBilateral(fastConfig()).Establish(ctx, local, remote)
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}
}

func TestCloseErrorKeepsCause(t *testing.T) {
	cause := errors.New("not fully connected")
	closeErr := errors.New("close failed")
	err := error(&CloseError{Cause: cause, CloseErr: closeErr})

	if !errors.Is(err, cause) || !errors.Is(err, closeErr) {
		t.Errorf("expected both errors to be reachable from %v", err)
	}
}

func TestCloseErrorWithoutCause(t *testing.T) {
	closeErr := errors.New("close failed")
	err := error(&CloseError{CloseErr: closeErr})

	if got, want := err.Error(), "failed to close: close failed"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, closeErr) {
		t.Errorf("expected %v to wrap the close error", err)
	}
}

func TestHandshakeFrames(t *testing.T) {
	a, b := net.Pipe()
	defer func() { _ = a.Close() }()
	defer func() { _ = b.Close() }()

	go func() { _ = writeFrame(a, frameSelect, 42) }()

	kind, nonce, err := readFrame(b)
	if err != nil {
		t.Fatalf("readFrame failed: %v", err)
	}
	if kind != frameSelect || nonce != 42 {
		t.Errorf("unexpected frame %c/%d", kind, nonce)
	}
}
