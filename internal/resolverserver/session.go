// Package resolverserver implements the resolver's server side: the
// per-connection session state machine, the accept loop and scavenger,
// and the accept-rate limiter.
package resolverserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"odin-resolver/internal/metrics"
	"odin-resolver/internal/notify"
	"odin-resolver/internal/path"
	"odin-resolver/internal/pathdir"
	"odin-resolver/internal/protocol"
	"odin-resolver/internal/registry"
)

// errProtocol marks an error that should close the session (as opposed to
// an in-band Error response, which keeps it open).
var errProtocol = errors.New("protocol violation")

// session is one accepted connection's state machine: AwaitHello -> Running
// -> Closed.
type session struct {
	conn        *protocol.FramedConn
	dir         *pathdir.Directory
	reg         *registry.Registry
	logger      *zap.Logger
	metrics     *metrics.Registry
	notifier    *notify.Notifier
	batchBound  int
	readOnlyTTL time.Duration

	isWriter  bool
	writeAddr protocol.Endpoint
	record    *registry.Record // shared with the registry for writers; session-local for readers
}

type decoded struct {
	req protocol.ToResolver
	err error
}

// run drives the session to completion: reading hello, then batches, until
// ctx is cancelled or a transport/protocol error occurs. It never panics on
// client input; every input-derived failure either closes the session or
// becomes an in-band Error response.
func (s *session) run(ctx context.Context) error {
	hello, err := s.readHello(ctx)
	if err != nil {
		return err
	}
	serverHello, err := s.handleHello(hello)
	if err != nil {
		return err
	}
	if err := s.conn.Encode(serverHello); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.ActiveSessions.Inc()
		defer s.metrics.ActiveSessions.Dec()
	}
	return s.runBatchLoop(ctx)
}

func (s *session) readHello(ctx context.Context) (protocol.ClientHello, error) {
	type result struct {
		hello protocol.ClientHello
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		var h protocol.ClientHello
		err := s.conn.Decode(&h)
		ch <- result{h, err}
	}()
	select {
	case <-ctx.Done():
		return protocol.ClientHello{}, ctx.Err()
	case r := <-ch:
		return r.hello, r.err
	}
}

func (s *session) handleHello(hello protocol.ClientHello) (protocol.ServerHello, error) {
	now := time.Now()
	switch hello.Kind {
	case protocol.ClientHelloReadOnly:
		peer, ok := s.conn.Conn().RemoteAddr().(*net.TCPAddr)
		var ep protocol.Endpoint
		if ok {
			ep = protocol.NewEndpoint(peer.IP.String(), peer.Port)
		} else {
			ep = protocol.Endpoint(s.conn.Conn().RemoteAddr().String())
		}
		s.isWriter = false
		s.record = registry.NewSynthetic(ep, s.readOnlyTTL, now)
		return protocol.ServerHello{TTLExpired: false}, nil

	case protocol.ClientHelloReadWrite:
		if err := protocol.ValidateTTL(hello.TTLSeconds); err != nil {
			return protocol.ServerHello{}, fmt.Errorf("%w: %v", errProtocol, err)
		}
		if hello.WriteAddr == "" {
			return protocol.ServerHello{}, fmt.Errorf("%w: missing write_addr", errProtocol)
		}
		ttl := time.Duration(hello.TTLSeconds) * time.Second
		rec, expired := s.reg.Upsert(hello.WriteAddr, ttl, now, s.cancelSelf)
		s.isWriter = true
		s.writeAddr = hello.WriteAddr
		s.record = rec
		return protocol.ServerHello{TTLExpired: expired}, nil

	default:
		return protocol.ServerHello{}, fmt.Errorf("%w: unknown hello kind %q", errProtocol, hello.Kind)
	}
}

// cancelSelf is installed as this session's cancellation hook in the
// registry; it is called by the scavenger (or a superseding hello on the
// same write_addr) and must close this session's connection so its
// blocking read unblocks with an error.
func (s *session) cancelSelf() {
	_ = s.conn.Close()
}

func (s *session) runBatchLoop(ctx context.Context) error {
	readerCh := make(chan decoded)
	go func() {
		for {
			var req protocol.ToResolver
			err := s.conn.Decode(&req)
			select {
			case readerCh <- decoded{req, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var batch []protocol.ToResolver
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-readerCh:
			if m.err != nil {
				return m.err
			}
			batch = append(batch, m.req)
		}

	drain:
		for len(batch) < s.batchBound {
			select {
			case m := <-readerCh:
				if m.err != nil {
					// Process what we have before reporting the error, matching
					// "a send failure or decode failure is terminal for that
					// connection only" after any already-read requests are honored.
					if len(batch) > 0 {
						if perr := s.processBatch(batch); perr != nil {
							return perr
						}
					}
					return m.err
				}
				batch = append(batch, m.req)
			default:
				break drain
			}
		}

		if s.metrics != nil {
			s.metrics.BatchSize.Observe(float64(len(batch)))
		}
		if err := s.processBatch(batch); err != nil {
			return err
		}
		batch = batch[:0]
	}
}

// processBatch executes every request in batch under a single lock
// acquisition (shared for read-only batches, exclusive for any batch
// containing a write), in arrival order, then writes all responses in
// arrival order.
func (s *session) processBatch(batch []protocol.ToResolver) error {
	needsWrite := false
	for _, req := range batch {
		switch req.Kind {
		case protocol.ReqPublish, protocol.ReqUnpublish, protocol.ReqClear:
			needsWrite = true
		}
	}
	if needsWrite && !s.isWriter {
		return fmt.Errorf("%w: write request on read-only session", errProtocol)
	}

	responses := make([]protocol.FromResolver, 0, len(batch))
	type notifyEvent struct {
		path   path.Path
		action notify.Action
		ep     protocol.Endpoint
	}
	var events []notifyEvent

	s.dir.WithLock(needsWrite, func(v pathdir.View) {
		s.record.Touch(time.Now())
		for _, req := range batch {
			if s.metrics != nil {
				s.metrics.RequestsTotal.WithLabelValues(string(req.Kind)).Inc()
			}
			switch req.Kind {
			case protocol.ReqResolve:
				results := make([][]protocol.Endpoint, 0, len(req.Paths))
				for _, p := range req.Paths {
					results = append(results, v.Resolve(p))
				}
				responses = append(responses, protocol.Resolved(results))

			case protocol.ReqList:
				var prefix path.Path
				if len(req.Paths) > 0 {
					prefix = req.Paths[0]
				}
				if err := prefix.Validate(); err != nil {
					responses = append(responses, protocol.ErrorResponse(err.Error()))
					continue
				}
				responses = append(responses, protocol.ListResponse(v.List(prefix)))

			case protocol.ReqPublish:
				if err := validateAll(req.Paths); err != nil {
					responses = append(responses, protocol.ErrorResponse(err.Error()))
					continue
				}
				for _, p := range req.Paths {
					v.Publish(p, s.writeAddr)
					s.record.AddPublished(p)
					events = append(events, notifyEvent{p, notify.ActionPublish, s.writeAddr})
				}
				responses = append(responses, protocol.Published())

			case protocol.ReqUnpublish:
				if err := validateAll(req.Paths); err != nil {
					responses = append(responses, protocol.ErrorResponse(err.Error()))
					continue
				}
				for _, p := range req.Paths {
					v.Unpublish(p, s.writeAddr)
					s.record.RemovePublished(p)
					events = append(events, notifyEvent{p, notify.ActionUnpublish, s.writeAddr})
				}
				responses = append(responses, protocol.Unpublished())

			case protocol.ReqClear:
				for _, p := range s.record.Published() {
					v.Unpublish(p, s.writeAddr)
					s.record.RemovePublished(p)
					events = append(events, notifyEvent{p, notify.ActionUnpublish, s.writeAddr})
				}
				responses = append(responses, protocol.Unpublished())

			default:
				responses = append(responses, protocol.ErrorResponse(fmt.Sprintf("unknown request kind %q", req.Kind)))
			}
		}
	})

	for _, e := range events {
		s.notifier.Publish(e.path, e.action, e.ep)
	}
	if s.metrics != nil {
		s.metrics.DirectoryEntries.Set(float64(s.dir.Len()))
	}

	asAny := make([]any, len(responses))
	for i, r := range responses {
		asAny[i] = r
	}
	return s.conn.EncodeBatch(asAny)
}

func validateAll(paths []path.Path) error {
	for _, p := range paths {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	return nil
}
