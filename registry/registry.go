// Package registry defines the service registration model that the
// discovery backends implement.
package registry

import (
	"context"
	"net"
	"strconv"

	"github.com/pkg/errors"
)

// Registration describes one service instance to announce.
type Registration struct {
	// Name groups instances of the same service.
	Name string
	// ID must be unique across all instances of all services.
	ID   string
	Tags []string
	// Address is the host other services dial, without the port.
	Address string
	Port    int
	// Weight biases weighted balancing. Zero or negative reads back as 1.
	Weight  int
	Meta    map[string]string
	Version string
}

// Validate reports whether the registration can be announced.
func (r *Registration) Validate() error {
	if r.Name == "" {
		return errors.New("registration needs a service name")
	}
	if r.ID == "" {
		return errors.New("registration needs an instance id")
	}
	if r.Address == "" {
		return errors.New("registration needs an address")
	}
	if r.Port <= 0 || r.Port > 65535 {
		return errors.Errorf("registration port %d out of range", r.Port)
	}
	return nil
}

// Endpoint is one reachable instance of a named service.
type Endpoint struct {
	Address string
	Port    int
	Weight  int
}

// Addr renders the endpoint as a dialable host:port.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(e.Port))
}

// Registry is the backend contract. Implementations are safe for
// concurrent use.
type Registry interface {
	// Register announces the instance and starts whatever liveness
	// mechanism the backend uses.
	Register(ctx context.Context, reg *Registration) error
	// Deregister withdraws the instance.
	Deregister(ctx context.Context, id string) error
	// Heartbeat refreshes the instance's liveness. Backends whose liveness
	// rides on a lease implement this as a no-op.
	Heartbeat(ctx context.Context, id string) error
	// Services returns every known passing instance grouped by service name.
	Services(ctx context.Context) (map[string][]Endpoint, error)
	Close() error
}
