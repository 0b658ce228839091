// Package node wires configuration, connections and sessions together for a
// user interface.
package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/rudransh-shrivastava/transfile/internal/config"
	"github.com/rudransh-shrivastava/transfile/internal/connection"
	"github.com/rudransh-shrivastava/transfile/internal/discovery"
	"github.com/rudransh-shrivastava/transfile/internal/logger"
	"github.com/rudransh-shrivastava/transfile/internal/metrics"
	"github.com/rudransh-shrivastava/transfile/internal/operation"
	"github.com/rudransh-shrivastava/transfile/internal/peer"
	"github.com/rudransh-shrivastava/transfile/internal/session"
	"github.com/rudransh-shrivastava/transfile/internal/store"
	"github.com/rudransh-shrivastava/transfile/internal/transport"
	"github.com/sirupsen/logrus"
)

// LocalHost names this side in the local peer address. Only its port matters
// for listening.
const LocalHost = "localhost"

var ErrPortNotAllowed = errors.New("port not permitted")

// PortError reports a local port outside the configured range.
type PortError struct {
	Port     int
	Min, Max int
}

func (e *PortError) Error() string {
	return fmt.Sprintf("%v: %d is outside %d-%d", ErrPortNotAllowed, e.Port, e.Min, e.Max)
}

func (e *PortError) Is(target error) bool { return target == ErrPortNotAllowed }

type Options struct {
	Config  *config.Config
	Logger  *logrus.Logger
	Metrics metrics.Recorder
	// History receives every operation state change; nil disables it.
	History store.History
}

type Node struct {
	cfg     *config.Config
	logger  *logrus.Logger
	metrics metrics.Recorder
	history store.History
}

func New(opts Options) (*Node, error) {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	return &Node{
		cfg:     opts.Config,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		history: opts.History,
	}, nil
}

func (n *Node) Config() *config.Config { return n.cfg }

func (n *Node) transportConfig() transport.Config {
	return transport.Config{
		ConnectTimeout:  n.cfg.ConnectTimeoutDuration(),
		IntervalTimeout: n.cfg.IntervalDuration(),
		Logger:          n.logger,
	}
}

// NewConnection builds a disconnected connection from localPort to
// remoteText. Attach sessions and listeners before calling Establish so no
// message arriving right after the handshake is missed.
func (n *Node) NewConnection(remoteText string, localPort int) (*connection.Connection, error) {
	if !n.cfg.PortAllowed(localPort) {
		return nil, &PortError{Port: localPort, Min: n.cfg.MinPort, Max: n.cfg.MaxPort}
	}
	remote, err := peer.ParseURL(remoteText)
	if err != nil {
		return nil, err
	}
	local, err := peer.NewURL(LocalHost, uint16(localPort))
	if err != nil {
		return nil, err
	}

	return connection.New(connection.Config{
		Establisher:  transport.NewBilateral(n.transportConfig()),
		Local:        local,
		Remote:       remote,
		WriteTimeout: n.cfg.WriteTimeoutDuration(),
		Logger:       n.logger,
		Metrics:      n.metrics,
	}), nil
}

// Establish races a dial to the remote peer against an accept on the local
// port and waits for the outcome. The peer must connect to this node at the
// same time. On failure the connection's last error is returned.
func (n *Node) Establish(ctx context.Context, conn *connection.Connection) error {
	settled := make(chan connection.State, 1)
	watch := &connection.Funcs{OnState: func(_ *connection.Connection, s connection.State) {
		if s == connection.Connected || s == connection.Disconnected {
			select {
			case settled <- s:
			default:
			}
		}
	}}
	conn.AddListener(watch)
	defer conn.RemoveListener(watch)

	log := n.logger.WithFields(logrus.Fields{"peer": conn.RemotePeer().String(), "port": conn.LocalPeer().Port()})
	log.Info("connecting")
	if err := conn.Connect(); err != nil {
		return err
	}

	select {
	case s := <-settled:
		if s == connection.Connected {
			return nil
		}
		err := conn.LastError()
		if err == nil {
			err = transport.ErrInterrupted
		}
		log.WithField("error", err).Warn("connection failed")
		return err
	case <-ctx.Done():
		conn.Disconnect()
		return fmt.Errorf("%w: %w", transport.ErrInterrupted, context.Cause(ctx))
	}
}

// Connect builds a connection with a session attached and establishes it.
// setup, when non-nil, runs before the handshake so its listeners see every
// offer.
func (n *Node) Connect(ctx context.Context, remoteText string, localPort int, resolver session.DestinationResolver, setup func(*session.Session)) (*connection.Connection, *session.Session, error) {
	conn, err := n.NewConnection(remoteText, localPort)
	if err != nil {
		return nil, nil, err
	}
	s := n.NewSession(conn, resolver)
	if setup != nil {
		setup(s)
	}
	if err := n.Establish(ctx, conn); err != nil {
		s.Close()
		return nil, nil, err
	}
	return conn, s, nil
}

// NewSession multiplexes operations over conn, resolving offers with
// resolver. Operations are recorded in the history when one is configured.
// conn may still be disconnected.
func (n *Node) NewSession(conn *connection.Connection, resolver session.DestinationResolver) *session.Session {
	s := session.New(conn, resolver, session.Options{
		ChunkSize: n.cfg.ChunkSize,
		Logger:    n.logger,
		Metrics:   n.metrics,
	})
	if n.history != nil {
		rec := store.NewRecorder(n.history, conn.RemotePeer().String(), n.logger)
		s.AddListener(&session.Funcs{OnAdded: func(_ *session.Session, c operation.Controller) {
			rec.Track(c)
		}})
	}
	return s
}

// DownloadResolver places offers in the configured download directory.
func (n *Node) DownloadResolver() session.DirResolver {
	return session.DirResolver{Dir: n.cfg.DownloadDir}
}

func (n *Node) FindLocalAddresses(ipv4Only bool) ([]string, error) {
	return discovery.FindLocalAddresses(ipv4Only)
}

func (n *Node) FindExternalAddress(ctx context.Context) (string, error) {
	r := &discovery.Resolver{Servers: n.cfg.STUNServers, Logger: n.logger}
	return r.FindExternalAddress(ctx)
}
