package resolverserver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"odin-resolver/internal/metrics"
	"odin-resolver/internal/notify"
	"odin-resolver/internal/pathdir"
	"odin-resolver/internal/protocol"
	"odin-resolver/internal/registry"
)

// Config parametrizes a Server. Zero-valued fields fall back to the
// defaults below.
type Config struct {
	ListenAddr string

	ScavengePeriod   time.Duration
	ReadOnlyTTL      time.Duration
	BatchSizeBound   int
	AcceptRatePerSec float64
	AcceptBurst      int
}

func (c Config) withDefaults() Config {
	if c.ScavengePeriod <= 0 {
		c.ScavengePeriod = 10 * time.Second
	}
	if c.ReadOnlyTTL <= 0 {
		c.ReadOnlyTTL = 120 * time.Second
	}
	if c.BatchSizeBound <= 0 {
		c.BatchSizeBound = 10000
	}
	if c.AcceptRatePerSec <= 0 {
		c.AcceptRatePerSec = 500
	}
	if c.AcceptBurst <= 0 {
		c.AcceptBurst = 1000
	}
	return c
}

// Server is the resolver's accept loop, scavenger, and the directory/
// registry they share. Start spawns the background goroutines; Stop closes
// the listener and waits for them.
type Server struct {
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Registry
	notifier *notify.Notifier

	Directory *pathdir.Directory
	Registry  *registry.Registry

	limiter *rate.Limiter

	listener net.Listener
	wg       sync.WaitGroup
}

// New constructs a Server. The directory and registry are created fresh;
// callers that want to share them (e.g. tests inspecting state directly)
// can reach them via Server.Directory / Server.Registry.
func New(cfg Config, logger *zap.Logger, metricsRegistry *metrics.Registry, notifier *notify.Notifier) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		cfg:       cfg,
		logger:    logger,
		metrics:   metricsRegistry,
		notifier:  notifier,
		Directory: pathdir.New(),
		Registry:  registry.New(),
		limiter:   rate.NewLimiter(rate.Limit(cfg.AcceptRatePerSec), cfg.AcceptBurst),
	}
}

// Start binds the listener and spawns the accept loop and scavenger.
func (s *Server) Start(ctx context.Context) error {
	if s.listener != nil {
		return fmt.Errorf("server already started")
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.listener = ln
	s.logger.Info("resolver listening", zap.String("addr", ln.Addr().String()))

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.scavengerLoop(ctx)
	}()
	return nil
}

// Addr returns the bound listener address, for callers (and tests) that let
// the OS pick an ephemeral port.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and waits for the accept loop and scavenger to
// exit. It does not forcibly close existing sessions; callers should cancel
// the context passed to Start for that.
func (s *Server) Stop() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop(ctx context.Context) {
	var sessionsWG sync.WaitGroup
	defer sessionsWG.Wait()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Debug("accept loop exiting", zap.Error(err))
			return
		}

		if !s.limiter.Allow() {
			if s.metrics != nil {
				s.metrics.AcceptThrottled.Inc()
			}
			_ = conn.Close()
			continue
		}

		sessionsWG.Add(1)
		go func(c net.Conn) {
			defer sessionsWG.Done()
			s.handleConnection(ctx, c)
		}(conn)
	}
}

func (s *Server) handleConnection(parent context.Context, conn net.Conn) {
	defer conn.Close()

	sessCtx, cancel := context.WithCancel(parent)
	defer cancel()

	sess := &session{
		conn:        protocol.NewFramedConn(conn),
		dir:         s.Directory,
		reg:         s.Registry,
		logger:      s.logger,
		metrics:     s.metrics,
		notifier:    s.notifier,
		batchBound:  s.cfg.BatchSizeBound,
		readOnlyTTL: s.cfg.ReadOnlyTTL,
	}

	if err := sess.run(sessCtx); err != nil {
		if s.metrics != nil && isTransportError(err) {
			s.metrics.AcceptErrors.Inc()
		}
		s.logger.Debug("session closed", zap.Error(err), zap.String("peer", conn.RemoteAddr().String()))
	}
}

func isTransportError(err error) bool {
	return err != nil && err != context.Canceled
}

// scavengerLoop runs scavengeOnce on a fixed period until ctx is done.
func (s *Server) scavengerLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ScavengePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.scavengeOnce(now)
		}
	}
}

// scavengeOnce enforces writer TTLs: every record idle longer than its
// TTL has its cancellation fired, its paths removed from the directory
// under the exclusive lock, and is dropped from the registry.
func (s *Server) scavengeOnce(now time.Time) {
	if s.metrics != nil {
		s.metrics.ScavengeSweeps.Inc()
	}
	expired := s.Registry.Expired(now)
	for _, rec := range expired {
		rec.Cancel()
		paths, ok := s.Registry.Forget(rec.WriteAddr)
		if !ok {
			continue
		}
		var changes []pathdir.Change
		for _, p := range paths {
			changes = append(changes, pathdir.Change{Path: p, Action: pathdir.ActionUnpublish, Endpoint: rec.WriteAddr})
		}
		if len(changes) > 0 {
			_ = s.Directory.BulkChange(changes)
		}
		if s.metrics != nil {
			s.metrics.ScavengedWriters.Inc()
			s.metrics.ScavengedPaths.Add(float64(len(paths)))
		}
		for _, p := range paths {
			s.notifier.Publish(p, notify.ActionUnpublish, rec.WriteAddr)
		}
		s.logger.Info("scavenged writer",
			zap.String("write_addr", string(rec.WriteAddr)),
			zap.Int("paths", len(paths)))
	}
	if s.metrics != nil {
		s.metrics.ActiveWriters.Set(float64(s.Registry.Len()))
		s.metrics.DirectoryEntries.Set(float64(s.Directory.Len()))
	}
}
