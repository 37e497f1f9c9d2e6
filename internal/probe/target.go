package probe

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	// DefaultPort is the DNS port, open on every public resolver.
	DefaultPort = 53
	// DefaultTimeout bounds a single connect attempt.
	DefaultTimeout = 10 * time.Second
)

var (
	// ErrMissingHost is returned when a target names neither an address nor a hostname.
	ErrMissingHost = errors.New("target needs an address or a hostname")
	// ErrAmbiguousHost is returned when a target names both an address and a hostname.
	ErrAmbiguousHost = errors.New("target cannot have both an address and a hostname")
)

// Host is where a probe connects to. The only implementations are
// ByAddress and ByHostname.
type Host interface {
	fmt.Stringer
	isHost()
}

// ByAddress is a host given as an already resolved IP address.
type ByAddress struct {
	Addr netip.Addr
}

func (ByAddress) isHost() {}

func (h ByAddress) String() string { return h.Addr.String() }

// ByHostname is a host resolved at dial time.
type ByHostname struct {
	Name string
}

func (ByHostname) isHost() {}

func (h ByHostname) String() string { return h.Name }

// Target describes one reachability check. Build it with NewTarget or
// ParseTarget; the zero value is not usable.
type Target struct {
	Host     Host
	Port     uint16
	Timeout  time.Duration
	Provider string
}

// NewTarget validates host and fills in defaults for a zero port or timeout.
func NewTarget(host Host, port uint16, timeout time.Duration) (Target, error) {
	switch h := host.(type) {
	case nil:
		return Target{}, ErrMissingHost
	case ByAddress:
		if !h.Addr.IsValid() {
			return Target{}, errors.Wrap(ErrMissingHost, "invalid address")
		}
	case ByHostname:
		if strings.TrimSpace(h.Name) == "" {
			return Target{}, errors.Wrap(ErrMissingHost, "empty hostname")
		}
	default:
		return Target{}, errors.Errorf("unsupported host type %T", host)
	}
	if port == 0 {
		port = DefaultPort
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return Target{Host: host, Port: port, Timeout: timeout}, nil
}

// ParseTarget builds a Target from the two optional host fields used by
// configuration files and the HTTP API. Exactly one of address and
// hostname must be non-empty.
func ParseTarget(address, hostname string, port int, timeout time.Duration) (Target, error) {
	address = strings.TrimSpace(address)
	hostname = strings.TrimSpace(hostname)

	switch {
	case address != "" && hostname != "":
		return Target{}, ErrAmbiguousHost
	case address == "" && hostname == "":
		return Target{}, ErrMissingHost
	}
	if port < 0 || port > 65535 {
		return Target{}, errors.Errorf("port %d out of range", port)
	}

	var host Host
	if address != "" {
		addr, err := netip.ParseAddr(address)
		if err != nil {
			return Target{}, errors.Wrapf(err, "parse address %q", address)
		}
		host = ByAddress{Addr: addr}
	} else {
		host = ByHostname{Name: hostname}
	}
	return NewTarget(host, uint16(port), timeout)
}

// MustParseTarget is ParseTarget for compile-time constants. It panics on error.
func MustParseTarget(address, hostname string, port int, timeout time.Duration) Target {
	t, err := ParseTarget(address, hostname, port, timeout)
	if err != nil {
		panic(err)
	}
	return t
}

// WithProvider returns a copy of t annotated with a provider name.
func (t Target) WithProvider(name string) Target {
	t.Provider = name
	return t
}

// Address returns the host:port string handed to the dialer.
func (t Target) Address() string {
	if t.Host == nil {
		return ""
	}
	return net.JoinHostPort(t.Host.String(), strconv.Itoa(int(t.Port)))
}

func (t Target) String() string {
	if t.Provider == "" {
		return t.Address()
	}
	return t.Address() + " (" + t.Provider + ")"
}

// Result is the outcome of probing one target.
type Result struct {
	Target  Target
	Success bool
	Latency time.Duration
}
