package ring

import (
	"net"
	"strconv"

	"github.com/devrev/ringkv/internal/errors"
)

// Endpoint is the network identity of a storage node: host plus storage
// port. Equality is by value, so endpoints are usable as map keys.
type Endpoint struct {
	Host string
	Port int
}

// String renders the endpoint as host:port
func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// IsZero reports whether the endpoint is the zero value
func (e Endpoint) IsZero() bool {
	return e.Host == "" && e.Port == 0
}

// ParseEndpoint parses a host:port string into an Endpoint
func ParseEndpoint(s string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Endpoint{}, errors.MalformedMessage("endpoint", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, errors.MalformedMessage("endpoint", err)
	}
	return Endpoint{Host: host, Port: port}, nil
}
