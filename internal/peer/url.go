// Package peer holds the textual and resolved identity of a reachable peer.
package peer

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

const Scheme = "transfile"

var urlPattern = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9+.-]*)://(\[[^\]/]+\]|[^:/\[\]]+):([0-9]+)$`)

// FormatError reports a peer address that does not match scheme://host:port.
type FormatError struct {
	Input  string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid peer address %q: %s", e.Input, e.Reason)
}

// UnknownHostError reports a host name that could not be resolved.
type UnknownHostError struct {
	Host string
	Err  error
}

func (e *UnknownHostError) Error() string {
	return fmt.Sprintf("unknown host %q: %v", e.Host, e.Err)
}

func (e *UnknownHostError) Unwrap() error { return e.Err }

// URL is an immutable peer address. The zero value is not usable.
type URL struct {
	host string
	port uint16
	ip   net.IP
}

func ParseURL(text string) (URL, error) {
	m := urlPattern.FindStringSubmatch(text)
	if m == nil {
		return URL{}, &FormatError{Input: text, Reason: "expected " + Scheme + "://host:port"}
	}
	if !strings.EqualFold(m[1], Scheme) {
		return URL{}, &FormatError{Input: text, Reason: fmt.Sprintf("unsupported scheme %q", m[1])}
	}

	port, err := strconv.ParseUint(m[3], 10, 16)
	if err != nil || port == 0 {
		return URL{}, &FormatError{Input: text, Reason: "port must be in 1-65535"}
	}

	host := strings.TrimSuffix(strings.TrimPrefix(m[2], "["), "]")
	if strings.HasPrefix(m[2], "[") && net.ParseIP(host) == nil {
		return URL{}, &FormatError{Input: text, Reason: "bracketed host must be an IPv6 literal"}
	}

	return NewURL(host, uint16(port))
}

// NewURL resolves host eagerly so that lookup failures surface here rather
// than during connection establishment.
func NewURL(host string, port uint16) (URL, error) {
	if host == "" {
		return URL{}, &FormatError{Input: host, Reason: "empty host"}
	}
	if port == 0 {
		return URL{}, &FormatError{Input: net.JoinHostPort(host, "0"), Reason: "port must be in 1-65535"}
	}

	addr, err := net.ResolveIPAddr("ip", host)
	if err != nil {
		return URL{}, &UnknownHostError{Host: host, Err: err}
	}

	return URL{host: host, port: port, ip: addr.IP}, nil
}

func MustParseURL(text string) URL {
	u, err := ParseURL(text)
	if err != nil {
		panic(err)
	}
	return u
}

func (u URL) Host() string { return u.host }

func (u URL) Port() uint16 { return u.port }

// IP is the address the host resolved to at construction time.
func (u URL) IP() net.IP { return u.ip }

func (u URL) IsZero() bool { return u.host == "" }

// Addr is the dialable host:port form of the resolved address.
func (u URL) Addr() string {
	return net.JoinHostPort(u.ip.String(), strconv.Itoa(int(u.port)))
}

func (u URL) TCPAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: u.ip, Port: int(u.port)}
}

func (u URL) String() string {
	host := u.host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return Scheme + "://" + host + ":" + strconv.Itoa(int(u.port))
}

func (u URL) Equal(other URL) bool {
	return u.host == other.host && u.port == other.port && u.ip.Equal(other.ip)
}

// Matches reports whether ip is the address this URL resolved to.
func (u URL) Matches(ip net.IP) bool {
	if u.ip == nil || ip == nil {
		return false
	}
	if u.ip.Equal(ip) {
		return true
	}
	return u.ip.IsLoopback() && ip.IsLoopback()
}
