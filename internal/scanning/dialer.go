package scanning

import (
	"context"
	"net"
)

//go:generate mockgen -source=dialer.go -destination=mocks/mock_dialer.go -package=mocks

// Dialer opens connections for the engine. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DialFunc adapts a plain function to Dialer.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// DialContext calls f.
func (f DialFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return f(ctx, network, address)
}

// Resolver turns a host name into the address that every attempt dials.
type Resolver interface {
	Resolve(ctx context.Context, host string) (string, error)
}

// defaultDialer applies no timeout of its own, leaving the connect timeout to
// the operating system unless the engine sets one through the context.
func defaultDialer() Dialer {
	return &net.Dialer{}
}
