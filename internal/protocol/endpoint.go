package protocol

import "fmt"

// Endpoint is a transport address identifying a publisher's data-plane
// listener. Endpoints are opaque to the directory: equality is structural,
// on the wire form alone.
type Endpoint string

// NewEndpoint builds an Endpoint from a host and port, matching the
// "host:port" form used throughout the resolver's wire protocol.
func NewEndpoint(host string, port int) Endpoint {
	return Endpoint(fmt.Sprintf("%s:%d", host, port))
}

func (e Endpoint) String() string { return string(e) }
