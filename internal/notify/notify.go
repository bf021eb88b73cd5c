// Package notify implements the resolver's optional NATS-based change
// notifier: a best-effort publisher of directory mutation events to an
// external bus, for observers that want to watch the directory without
// polling it. It is never on the correctness path: directory/registry locks
// are released before Notifier.Publish is called, and a failed or absent
// NATS connection never fails the mutation that triggered it.
package notify

import (
	"encoding/json"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"odin-resolver/internal/metrics"
	"odin-resolver/internal/path"
	"odin-resolver/internal/protocol"
)

// Subject is the NATS subject change events are published to.
const Subject = "resolver.changes"

// Action mirrors pathdir.Action on the wire, kept separate so notify does
// not need to import pathdir.
type Action string

const (
	ActionPublish   Action = "publish"
	ActionUnpublish Action = "unpublish"
)

// Event is the JSON payload published for each directory mutation.
type Event struct {
	Path     path.Path         `json:"path"`
	Action   Action            `json:"action"`
	Endpoint protocol.Endpoint `json:"endpoint"`
}

// Notifier publishes Events to NATS when configured, and is a safe no-op
// otherwise.
type Notifier struct {
	conn      *nats.Conn
	metrics   *metrics.Registry
	logger    *zap.Logger
	connected int32
}

// New connects to url (if non-empty) and returns a Notifier. An empty url
// returns a Notifier with no connection: Publish becomes a no-op.
func New(url string, metricsRegistry *metrics.Registry, logger *zap.Logger) (*Notifier, error) {
	n := &Notifier{metrics: metricsRegistry, logger: logger}
	if url == "" {
		return n, nil
	}

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * nats.DefaultReconnectWait),
		nats.ConnectHandler(n.onConnect),
		nats.DisconnectErrHandler(n.onDisconnect),
		nats.ReconnectHandler(n.onReconnect),
		nats.ErrorHandler(n.onError),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	n.conn = conn
	atomic.StoreInt32(&n.connected, 1)
	return n, nil
}

func (n *Notifier) onConnect(c *nats.Conn) {
	atomic.StoreInt32(&n.connected, 1)
	n.logger.Info("notifier connected", zap.String("url", c.ConnectedUrl()))
}

func (n *Notifier) onDisconnect(_ *nats.Conn, err error) {
	atomic.StoreInt32(&n.connected, 0)
	if err != nil {
		n.logger.Warn("notifier disconnected", zap.Error(err))
	}
}

func (n *Notifier) onReconnect(c *nats.Conn) {
	atomic.StoreInt32(&n.connected, 1)
	n.logger.Info("notifier reconnected", zap.String("url", c.ConnectedUrl()))
}

func (n *Notifier) onError(_ *nats.Conn, _ *nats.Subscription, err error) {
	n.logger.Warn("notifier error", zap.Error(err))
}

// Publish best-effort publishes a change event. Errors are logged and
// counted, never returned: callers must not let notification failure affect
// directory mutation outcomes.
func (n *Notifier) Publish(p path.Path, action Action, ep protocol.Endpoint) {
	if n == nil || n.conn == nil || atomic.LoadInt32(&n.connected) == 0 {
		return
	}
	b, err := json.Marshal(Event{Path: p, Action: action, Endpoint: ep})
	if err != nil {
		if n.metrics != nil {
			n.metrics.NotifyFailed.Inc()
		}
		return
	}
	if err := n.conn.Publish(Subject, b); err != nil {
		if n.metrics != nil {
			n.metrics.NotifyFailed.Inc()
		}
		n.logger.Debug("notify publish failed", zap.Error(err))
		return
	}
	if n.metrics != nil {
		n.metrics.NotifyPublished.Inc()
	}
}

// Close drains and closes the NATS connection, if any.
func (n *Notifier) Close() {
	if n != nil && n.conn != nil {
		n.conn.Close()
	}
}
