package client

import (
	"context"
	"net"
	"testing"
	"time"

	"odin-resolver/internal/path"
	"odin-resolver/internal/protocol"
)

// fakeResolver is a hand-rolled stand-in for resolverserver.Server used to
// drive the reconnecting client's handshake/republish logic in isolation,
// without timing-sensitive scavenger waits.
type fakeResolver struct {
	ln net.Listener
}

func startFakeResolver(t *testing.T) *fakeResolver {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return &fakeResolver{ln: ln}
}

func (f *fakeResolver) addr() string { return f.ln.Addr().String() }
func (f *fakeResolver) close()       { f.ln.Close() }

// acceptOnceTTLExpired accepts a single connection, expects a ReadWrite
// hello, replies ttl_expired=true, then expects a Publish request for
// exactly wantPaths and acknowledges it, then keeps serving arbitrary
// requests with a trivial OK response until the connection closes.
func (f *fakeResolver) acceptOnceTTLExpired(t *testing.T, wantPaths []path.Path, conn chan<- net.Conn) {
	t.Helper()
	c, err := f.ln.Accept()
	if err != nil {
		return
	}
	conn <- c
	fc := protocol.NewFramedConn(c)

	var hello protocol.ClientHello
	if err := fc.Decode(&hello); err != nil {
		t.Errorf("decode hello: %v", err)
		return
	}
	if hello.Kind != protocol.ClientHelloReadWrite {
		t.Errorf("hello.Kind = %v, want ReadWrite", hello.Kind)
	}
	if err := fc.Encode(protocol.ServerHello{TTLExpired: true}); err != nil {
		t.Errorf("encode server hello: %v", err)
		return
	}

	if len(wantPaths) > 0 {
		var req protocol.ToResolver
		if err := fc.Decode(&req); err != nil {
			t.Errorf("decode republish request: %v", err)
			return
		}
		if req.Kind != protocol.ReqPublish {
			t.Errorf("republish request kind = %v, want publish", req.Kind)
		}
		if !samePathSet(req.Paths, wantPaths) {
			t.Errorf("republish paths = %v, want %v", req.Paths, wantPaths)
		}
		if err := fc.Encode(protocol.Published()); err != nil {
			t.Errorf("encode published: %v", err)
			return
		}
	}

	for {
		var req protocol.ToResolver
		if err := fc.Decode(&req); err != nil {
			return
		}
		switch req.Kind {
		case protocol.ReqResolve:
			_ = fc.Encode(protocol.Resolved(make([][]protocol.Endpoint, len(req.Paths))))
		case protocol.ReqList:
			_ = fc.Encode(protocol.ListResponse(nil))
		default:
			_ = fc.Encode(protocol.Published())
		}
	}
}

func samePathSet(a, b []path.Path) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[path.Path]bool, len(a))
	for _, p := range a {
		set[p] = true
	}
	for _, p := range b {
		if !set[p] {
			return false
		}
	}
	return true
}

// TestAutoRepublishOnTTLExpired exercises the handshake directly: when the
// server reports ttl_expired on (re)connect, the client must publish
// exactly its previously-acknowledged set before the connection is usable,
// and callers see the republish only as part of internal handshake, not as
// a surfaced event.
func TestAutoRepublishOnTTLExpired(t *testing.T) {
	fr := startFakeResolver(t)
	defer fr.close()

	accepted := make(chan net.Conn, 1)
	go fr.acceptOnceTTLExpired(t, []path.Path{"/a/b", "/a/c"}, accepted)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := New(Config{
		ResolverAddr: fr.addr(),
		Mode:         ModeReadWrite,
		TTL:          2 * time.Second,
		WriteAddr:    "10.0.0.1:9000",
		Linger:       time.Second,
	})
	c.Start(ctx)

	// Seed the client's local "previously advertised" set the way a live
	// Publish call would have before any disconnect occurred.
	c.mergePublished([]path.Path{"/a/b", "/a/c"})

	h := NewReadHandle(c)
	if _, err := h.Resolve(ctx, "/a/b"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	select {
	case conn := <-accepted:
		conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatalf("fake resolver never accepted a connection")
	}
}

// TestRequestOrderingPerHandle checks that each caller receives the
// response to its own request by issuing 20 List requests one after
// another through one handle against a server that echoes each prefix
// back immediately.
func TestRequestOrderingPerHandle(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		fc := protocol.NewFramedConn(conn)
		var hello protocol.ClientHello
		if err := fc.Decode(&hello); err != nil {
			return
		}
		_ = fc.Encode(protocol.ServerHello{})
		for {
			var req protocol.ToResolver
			if err := fc.Decode(&req); err != nil {
				return
			}
			_ = fc.Encode(protocol.ListResponse([]path.Path{req.Paths[0]}))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := New(Config{
		ResolverAddr: ln.Addr().String(),
		Mode:         ModeReadOnly,
		TTL:          60 * time.Second,
		Linger:       5 * time.Second,
	})
	c.Start(ctx)
	h := NewReadHandle(c)

	for i := 0; i < 20; i++ {
		p := path.Path("/seq/" + string(rune('a'+i)))
		got, err := h.List(ctx, p)
		if err != nil {
			t.Fatalf("List(%s): %v", p, err)
		}
		if len(got) != 1 || got[0] != p {
			t.Fatalf("List(%s) = %v, want echo of the same prefix", p, got)
		}
	}
}
