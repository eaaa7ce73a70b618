package browser

import (
	"fmt"
	"net"

	"go.uber.org/zap"
)

const loopbackLiteral = "127.0.0.1"

// PortFinder negotiates the host and port the browser's debugging
// endpoint will listen on.
type PortFinder interface {
	// IsPortAvailable probes (host, port) with a throwaway bind.
	IsPortAvailable(host string, port int) bool
	// FindAvailablePort scans start..end inclusive and returns the
	// first available port, or a KindNoPortAvailable error when the
	// range is exhausted.
	FindAvailablePort(host string, start, end int) (int, error)
	// ResolveConnectableHost returns the host string launch and connect
	// should use.
	ResolveConnectableHost() string
}

// NetPortFinder probes availability by briefly binding a listener.
// Availability is inherently advisory: another process can take the
// port between probe and launch, which the initializer handles by
// retrying with the next port in the range.
type NetPortFinder struct {
	log *zap.Logger

	// probe is the bind attempt, swappable in tests.
	probe func(host string, port int) bool
}

// NewNetPortFinder returns the default port finder.
func NewNetPortFinder(log *zap.Logger) *NetPortFinder {
	return &NetPortFinder{
		log:   log.Named("ports"),
		probe: bindProbe,
	}
}

// bindProbe binds a throwaway TCP listener. Success means available;
// any bind error means unavailable.
func bindProbe(host string, port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// IsPortAvailable implements PortFinder.
func (f *NetPortFinder) IsPortAvailable(host string, port int) bool {
	return f.probe(host, port)
}

// FindAvailablePort implements PortFinder.
func (f *NetPortFinder) FindAvailablePort(host string, start, end int) (int, error) {
	for port := start; port <= end; port++ {
		if f.probe(host, port) {
			f.log.Debug("Selected debugging port.", zap.String("host", host), zap.Int("port", port))
			return port, nil
		}
	}
	return 0, classifiedf(KindNoPortAvailable,
		"no available port on %s in range %d-%d", host, start, end)
}

// ResolveConnectableHost prefers the loopback literal over the
// localhost name: name resolution is unreliable in minimal containers
// and over some VPN setups, while 127.0.0.1 either binds or it does
// not. The probe binds a scratch listener on port 0 for each candidate.
func (f *NetPortFinder) ResolveConnectableHost() string {
	literalOK := f.scratchBind(loopbackLiteral)
	if literalOK {
		return loopbackLiteral
	}
	if f.scratchBind("localhost") {
		f.log.Warn("Loopback literal not bindable, using localhost.")
		return "localhost"
	}
	// Neither probe succeeded; keep the literal and let the launch
	// surface the real error.
	f.log.Warn("No loopback candidate probed bindable, defaulting to literal.")
	return loopbackLiteral
}

func (f *NetPortFinder) scratchBind(host string) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
