// Package protocol defines the resolver wire protocol: the hello exchange,
// the request/response message unions, and the newline-delimited JSON
// framing used to carry them (see FramedConn in framing.go).
//
// The wire choice is pinned, per the resolver's design notes, to
// newline-delimited JSON rather than a binary length-prefixed codec: each
// message is one JSON object followed by "\n".
package protocol

import (
	"encoding/json"
	"fmt"

	"odin-resolver/internal/path"
)

// MinTTLSeconds and MaxTTLSeconds bound a ReadWrite hello's requested TTL.
const (
	MinTTLSeconds = 1
	MaxTTLSeconds = 3600
)

// ClientHelloKind discriminates the ClientHello union.
type ClientHelloKind string

const (
	ClientHelloReadOnly  ClientHelloKind = "read_only"
	ClientHelloReadWrite ClientHelloKind = "read_write"
)

// ClientHello is the first message a client sends on a new connection.
type ClientHello struct {
	Kind       ClientHelloKind `json:"kind"`
	TTLSeconds int64           `json:"ttl_seconds,omitempty"`
	WriteAddr  Endpoint        `json:"write_addr,omitempty"`
}

// ReadOnlyHello builds a ClientHello for a reader.
func ReadOnlyHello() ClientHello {
	return ClientHello{Kind: ClientHelloReadOnly}
}

// ReadWriteHello builds a ClientHello for a writer.
func ReadWriteHello(ttlSeconds int64, writeAddr Endpoint) ClientHello {
	return ClientHello{Kind: ClientHelloReadWrite, TTLSeconds: ttlSeconds, WriteAddr: writeAddr}
}

// ValidateTTL reports whether ttlSeconds is within [MinTTLSeconds, MaxTTLSeconds].
func ValidateTTL(ttlSeconds int64) error {
	if ttlSeconds < MinTTLSeconds || ttlSeconds > MaxTTLSeconds {
		return fmt.Errorf("ttl_seconds %d out of range [%d,%d]", ttlSeconds, MinTTLSeconds, MaxTTLSeconds)
	}
	return nil
}

// ServerHello is the server's reply to a ClientHello.
type ServerHello struct {
	TTLExpired bool `json:"ttl_expired"`
}

// RequestKind discriminates the ToResolver union.
type RequestKind string

const (
	ReqResolve   RequestKind = "resolve"
	ReqList      RequestKind = "list"
	ReqPublish   RequestKind = "publish"
	ReqUnpublish RequestKind = "unpublish"
	ReqClear     RequestKind = "clear"
)

// ToResolver is a single client->server request within a session's batch.
type ToResolver struct {
	Kind  RequestKind `json:"kind"`
	Paths []path.Path `json:"paths,omitempty"`
}

// ResolveRequest builds a Resolve request over one or more paths.
func ResolveRequest(paths ...path.Path) ToResolver { return ToResolver{Kind: ReqResolve, Paths: paths} }

// ListRequest builds a List request for a single prefix.
func ListRequest(prefix path.Path) ToResolver { return ToResolver{Kind: ReqList, Paths: []path.Path{prefix}} }

// PublishRequest builds a Publish request for one or more paths.
func PublishRequest(paths ...path.Path) ToResolver { return ToResolver{Kind: ReqPublish, Paths: paths} }

// UnpublishRequest builds an Unpublish request for one or more paths.
func UnpublishRequest(paths ...path.Path) ToResolver { return ToResolver{Kind: ReqUnpublish, Paths: paths} }

// ClearRequest builds a Clear request.
func ClearRequest() ToResolver { return ToResolver{Kind: ReqClear} }

// ResponseKind discriminates the FromResolver union.
type ResponseKind string

const (
	RespResolved    ResponseKind = "resolved"
	RespList        ResponseKind = "list"
	RespPublished   ResponseKind = "published"
	RespUnpublished ResponseKind = "unpublished"
	RespError       ResponseKind = "error"
)

// FromResolver is a single server->client response, one per ToResolver in
// arrival order.
type FromResolver struct {
	Kind     ResponseKind `json:"kind"`
	Resolved [][]Endpoint `json:"resolved,omitempty"`
	Paths    []path.Path  `json:"paths,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// Resolved builds a Resolved response.
func Resolved(endpoints [][]Endpoint) FromResolver {
	return FromResolver{Kind: RespResolved, Resolved: endpoints}
}

// ListResponse builds a List response.
func ListResponse(paths []path.Path) FromResolver {
	return FromResolver{Kind: RespList, Paths: paths}
}

// Published is the successful-Publish response singleton.
func Published() FromResolver { return FromResolver{Kind: RespPublished} }

// Unpublished is the successful-Unpublish response singleton.
func Unpublished() FromResolver { return FromResolver{Kind: RespUnpublished} }

// ErrorResponse wraps an in-band, session-continuing error.
func ErrorResponse(msg string) FromResolver { return FromResolver{Kind: RespError, Error: msg} }

// IsError reports whether the response is an Error variant.
func (r FromResolver) IsError() bool { return r.Kind == RespError }

// MarshalMessage is a small readability shim so call sites don't reach for
// encoding/json directly when logging or testing message shapes.
func MarshalMessage(v any) ([]byte, error) { return json.Marshal(v) }
