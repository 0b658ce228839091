// Package discovery finds the addresses a peer can be reached on.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/pion/stun"
	"github.com/rudransh-shrivastava/transfile/internal/logger"
	"github.com/sirupsen/logrus"
)

var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
	"stun:stun.cloudflare.com:3478",
}

const DefaultQueryTimeout = 3 * time.Second

var (
	ErrNoSTUNServers   = errors.New("no stun servers configured")
	ErrNoMappedAddress = errors.New("stun response carries no mapped address")
)

// FindLocalAddresses lists the unicast addresses of every up, non-loopback
// interface, sorted and without duplicates.
func FindLocalAddresses(ipv4Only bool) ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}

	seen := make(map[string]struct{})
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			var ip net.IP
			switch v := a.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsMulticast() {
				continue
			}
			if ipv4Only && ip.To4() == nil {
				continue
			}
			seen[ip.String()] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for ip := range seen {
		out = append(out, ip)
	}
	sort.Strings(out)
	return out, nil
}

// Resolver asks STUN servers for the address this host is seen from.
type Resolver struct {
	Servers []string
	// Timeout bounds each server query.
	Timeout time.Duration
	Logger  *logrus.Logger
}

// FindExternalAddress queries servers in order and returns the first mapped
// IP. It uses DefaultSTUNServers when servers is empty.
func FindExternalAddress(ctx context.Context, servers []string) (string, error) {
	return (&Resolver{Servers: servers}).FindExternalAddress(ctx)
}

func (r *Resolver) FindExternalAddress(ctx context.Context) (string, error) {
	servers := r.Servers
	if len(servers) == 0 {
		servers = DefaultSTUNServers
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	log := r.Logger
	if log == nil {
		log = logger.Discard()
	}

	var errs []error
	for _, server := range servers {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		qctx, cancel := context.WithTimeout(ctx, timeout)
		ip, err := query(qctx, server)
		cancel()
		if err == nil {
			log.WithFields(logrus.Fields{"server": server, "ip": ip.String()}).Debug("external address found")
			return ip.String(), nil
		}
		log.WithFields(logrus.Fields{"server": server, "error": err}).Debug("stun query failed")
		errs = append(errs, fmt.Errorf("%s: %w", server, err))
	}
	if len(errs) == 0 {
		return "", ErrNoSTUNServers
	}
	return "", fmt.Errorf("all stun servers failed: %w", errors.Join(errs...))
}

// serverAddr strips the stun: scheme and adds the default port.
func serverAddr(server string) string {
	addr := strings.TrimPrefix(strings.TrimPrefix(server, "stuns:"), "stun:")
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(strings.Trim(addr, "[]"), "3478")
	}
	return addr
}

func query(ctx context.Context, server string) (net.IP, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", serverAddr(server))
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	req, err := stun.Build(stun.TransactionID, stun.BindingRequest, stun.Fingerprint)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(req.Raw); err != nil {
		return nil, err
	}

	buf := make([]byte, 1500)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil, context.Cause(ctx)
			}
			return nil, err
		}
		if !stun.IsMessage(buf[:n]) {
			continue
		}
		res := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := res.Decode(); err != nil {
			return nil, err
		}
		if res.TransactionID != req.TransactionID {
			continue
		}
		if res.Type != stun.BindingSuccess {
			return nil, fmt.Errorf("unexpected stun response %s", res.Type)
		}
		return mappedIP(res)
	}
}

func mappedIP(m *stun.Message) (net.IP, error) {
	var xor stun.XORMappedAddress
	if err := xor.GetFrom(m); err == nil {
		return xor.IP, nil
	}
	var mapped stun.MappedAddress
	if err := mapped.GetFrom(m); err == nil {
		return mapped.IP, nil
	}
	return nil, ErrNoMappedAddress
}
