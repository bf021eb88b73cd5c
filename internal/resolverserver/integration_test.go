package resolverserver_test

import (
	"context"
	"sort"
	"testing"
	"time"

	"go.uber.org/zap"

	"odin-resolver/internal/client"
	"odin-resolver/internal/path"
	"odin-resolver/internal/protocol"
	"odin-resolver/internal/resolverserver"
)

func startTestServer(t *testing.T, scavengePeriod time.Duration) (*resolverserver.Server, string, func()) {
	t.Helper()
	srv := resolverserver.New(resolverserver.Config{
		ListenAddr:     "127.0.0.1:0",
		ScavengePeriod: scavengePeriod,
		ReadOnlyTTL:    120 * time.Second,
	}, zap.NewNop(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return srv, srv.Addr().String(), func() {
		cancel()
		srv.Stop()
	}
}

func newWriterHandle(t *testing.T, ctx context.Context, addr string, writeAddr protocol.Endpoint, ttl time.Duration) client.WriteHandle {
	t.Helper()
	c := client.New(client.Config{
		ResolverAddr: addr,
		Mode:         client.ModeReadWrite,
		TTL:          ttl,
		WriteAddr:    writeAddr,
		Linger:       2 * time.Second,
	})
	c.Start(ctx)
	return client.NewWriteHandle(c)
}

func newReaderHandle(t *testing.T, ctx context.Context, addr string) client.ReadHandle {
	t.Helper()
	c := client.New(client.Config{
		ResolverAddr: addr,
		Mode:         client.ModeReadOnly,
		TTL:          60 * time.Second,
		Linger:       2 * time.Second,
	})
	c.Start(ctx)
	return client.NewReadHandle(c)
}

// TestPublishResolveListScavengeReconnect walks an end-to-end writer
// lifecycle: publish, resolve, list, scavenge after TTL expiry, and a
// fresh client on the same write_addr publishing again. The client-side
// auto-republish handshake is covered in internal/client.
func TestPublishResolveListScavengeReconnect(t *testing.T) {
	if testing.Short() {
		t.Skip("scavenge wait makes this slow; skip under -short")
	}

	_, addr, stop := startTestServer(t, 1*time.Second)
	defer stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const w1 = protocol.Endpoint("10.0.0.1:9000")
	writerCtx, writerCancel := context.WithCancel(ctx)
	w := newWriterHandle(t, writerCtx, addr, w1, 2*time.Second)

	if err := w.Publish(ctx, "/a/b", "/a/c"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	r := newReaderHandle(t, ctx, addr)

	// resolve returns the writer's endpoint for published paths, empty for
	// an unpublished one.
	res, err := r.Resolve(ctx, "/a/b", "/a/c", "/a/d")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(res) != 3 || !endpointsEqual(res[0], w1) || !endpointsEqual(res[1], w1) || len(res[2]) != 0 {
		t.Fatalf("resolve = %v, want [[%s],[%s],[]]", res, w1, w1)
	}

	// list(/a) returns exactly the published descendants, sorted.
	listed, err := r.List(ctx, "/a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	wantList := []path.Path{"/a/b", "/a/c"}
	if !pathsEqual(listed, wantList) {
		t.Fatalf("list(/a) = %v, want %v", listed, wantList)
	}

	// stop the writer's heartbeating (cancel its client) and wait past TTL
	// plus one scavenger period; its paths must disappear.
	writerCancel()
	time.Sleep(2*time.Second + 1*time.Second + 500*time.Millisecond)

	res, err = r.Resolve(ctx, "/a/b")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(res) != 1 || len(res[0]) != 0 {
		t.Fatalf("resolve(/a/b) after scavenge = %v, want [[]]", res)
	}

	// the writer comes back as a fresh client with the same write_addr.
	// Its tracked published set starts empty, so nothing is republished
	// automatically; it publishes /a/b again, and the hello happens lazily
	// on that first request.
	reconnectCtx, reconnectCancel := context.WithCancel(ctx)
	defer reconnectCancel()
	w2 := newWriterHandle(t, reconnectCtx, addr, w1, 2*time.Second)
	if err := w2.Publish(ctx, "/a/b"); err != nil {
		t.Fatalf("republish: %v", err)
	}

	res, err = r.Resolve(ctx, "/a/b")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(res) != 1 || !endpointsEqual(res[0], w1) {
		t.Fatalf("resolve(/a/b) after reconnect = %v, want [[%s]]", res, w1)
	}
}

// TestMultipleWritersOnSamePath covers two writers publishing the same path
// and one being scavenged out from under it.
func TestMultipleWritersOnSamePath(t *testing.T) {
	if testing.Short() {
		t.Skip("scavenge wait makes this slow; skip under -short")
	}

	_, addr, stop := startTestServer(t, 1*time.Second)
	defer stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const w1 = protocol.Endpoint("10.0.0.1:9000")
	const w2 = protocol.Endpoint("10.0.0.2:9000")

	h1 := newWriterHandle(t, ctx, addr, w1, 60*time.Second)
	if err := h1.Publish(ctx, "/a/b"); err != nil {
		t.Fatalf("w1 publish: %v", err)
	}

	w2Ctx, w2Cancel := context.WithCancel(ctx)
	h2 := newWriterHandle(t, w2Ctx, addr, w2, 2*time.Second)
	if err := h2.Publish(ctx, "/a/b"); err != nil {
		t.Fatalf("w2 publish: %v", err)
	}

	r := newReaderHandle(t, ctx, addr)
	res, err := r.Resolve(ctx, "/a/b")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !endpointSetEqual(res[0], []protocol.Endpoint{w1, w2}) {
		t.Fatalf("resolve(/a/b) = %v, want both writers", res)
	}

	w2Cancel()
	time.Sleep(2*time.Second + 1*time.Second + 500*time.Millisecond)

	res, err = r.Resolve(ctx, "/a/b")
	if err != nil {
		t.Fatalf("resolve after scavenge: %v", err)
	}
	if !endpointSetEqual(res[0], []protocol.Endpoint{w1}) {
		t.Fatalf("resolve(/a/b) after w2 scavenged = %v, want [%s]", res, w1)
	}
}

// TestPublishRejectsRelativePathWithoutMutatingDirectory asserts a
// relative-path publish is rejected in-band without mutating the directory.
func TestPublishRejectsRelativePathWithoutMutatingDirectory(t *testing.T) {
	_, addr, stop := startTestServer(t, 10*time.Second)
	defer stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := newWriterHandle(t, ctx, addr, "10.0.0.1:9000", 60*time.Second)
	err := w.Publish(ctx, "a/b")
	if err == nil {
		t.Fatalf("publish of a relative path should fail")
	}

	r := newReaderHandle(t, ctx, addr)
	listed, err := r.List(ctx, "/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("directory should be untouched by a rejected publish, got %v", listed)
	}
}

func endpointsEqual(got []protocol.Endpoint, want ...protocol.Endpoint) bool {
	return endpointSetEqual(got, want)
}

func endpointSetEqual(a, b []protocol.Endpoint) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]protocol.Endpoint(nil), a...)
	bs := append([]protocol.Endpoint(nil), b...)
	sort.Slice(as, func(i, j int) bool { return as[i] < as[j] })
	sort.Slice(bs, func(i, j int) bool { return bs[i] < bs[j] })
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func pathsEqual(a, b []path.Path) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
