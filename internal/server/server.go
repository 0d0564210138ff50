package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mellowdrifter/pcpd/internal/config"
	"github.com/mellowdrifter/pcpd/internal/kv"
	"github.com/mellowdrifter/pcpd/internal/mapping"
	"github.com/mellowdrifter/pcpd/internal/notify"
	"github.com/mellowdrifter/pcpd/internal/policy"
	"github.com/mellowdrifter/pcpd/internal/protocol"
)

// packetQueue is how many datagrams may wait for the processing loop.
const packetQueue = 256

type packet struct {
	data []byte
	src  netip.AddrPort
}

type Server struct {
	// large fields first
	conn      *net.UDPConn
	logger    *zap.SugaredLogger
	cfg       *config.Config
	backend   kv.Store
	clock     clock.Clock
	store     *mapping.Store
	policy    *policy.Provider
	processor *Processor
	handle    *notify.Handle
	watch     *kv.Subscription
	recorder  Recorder
	observers []notify.Observer

	packets chan packet

	// sync types next
	wg sync.WaitGroup

	// smaller fields last
	shuttingDown atomic.Bool
}

type Option func(*Server)

// WithClock sets the clock mappings are leased against.
func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithRecorder counts request outcomes, typically into Prometheus.
func WithRecorder(r Recorder) Option {
	return func(s *Server) { s.recorder = r }
}

// WithObserver adds an observer of mapping and policy changes next to the
// change log.
func WithObserver(o notify.Observer) Option {
	return func(s *Server) { s.observers = append(s.observers, o) }
}

// New creates a new Server over the given store. The store stays owned by
// the caller.
func New(cfg *config.Config, logger *zap.SugaredLogger, backend kv.Store, opts ...Option) *Server {
	s := &Server{
		logger:  logger,
		cfg:     cfg,
		backend: backend,
		clock:   clock.New(),
		handle:  &notify.Handle{},
		packets: make(chan packet, packetQueue),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.store = mapping.NewStore(backend, mapping.WithClock(s.clock))
	s.policy = policy.NewProvider(backend, s.handle, logger)
	s.processor = NewProcessor(s.store, s.policy, NewAssigner(cfg), s.handle, s.recorder, logger)

	s.handle.Register(append(notify.Multi{notify.NewLogger(logger)}, s.observers...))
	return s
}

// Policy exposes the policy provider so config reloads can be applied.
func (s *Server) Policy() *policy.Provider {
	return s.policy
}

// Mappings exposes the mapping table for inspection.
func (s *Server) Mappings() *mapping.Store {
	return s.store
}

// Start loads the persisted policy, binds the socket and starts serving.
// It returns once the server is ready; Stop ends it.
func (s *Server) Start(ctx context.Context) error {
	if err := s.policy.Load(ctx); err != nil {
		return fmt.Errorf("failed to load policy: %w", err)
	}
	if s.cfg.Policy != nil {
		if err := s.policy.Apply(ctx, *s.cfg.Policy); err != nil {
			return fmt.Errorf("failed to apply configured policy: %w", err)
		}
		// Pick up the writes straight away rather than through the watch.
		if err := s.policy.Load(ctx); err != nil {
			return fmt.Errorf("failed to load policy: %w", err)
		}
	}

	// Leftovers from an unclean exit are not owned by any live client.
	if err := s.clearMappings(ctx); err != nil {
		return fmt.Errorf("failed to clear stale mappings: %w", err)
	}

	addr, err := net.ResolveUDPAddr("udp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", s.cfg.ListenAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.conn = conn

	if err := s.policy.SetStartupTime(ctx, s.store.Now()); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to record startup time: %w", err)
	}
	s.watch = s.backend.Watch(policy.Path + "/")

	mode := "firewall"
	if s.cfg.ExternalAddress != "" {
		mode = "NAT on " + s.cfg.ExternalAddress
	}
	s.logger.Infof("PCP server listening on %s (%s)", conn.LocalAddr(), mode)

	s.wg.Add(2)
	go s.readLoop()
	go s.serve(context.WithoutCancel(ctx))
	return nil
}

// Addr is the bound UDP address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// readLoop copies datagrams off the socket for the processing loop.
func (s *Server) readLoop() {
	defer s.wg.Done()
	defer close(s.packets)

	// One byte over the maximum so oversized requests are visible.
	buf := make([]byte, protocol.MaxMessageLength+1)
	for {
		n, src, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if s.shuttingDown.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Errorf("read error: %v", err)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		s.packets <- packet{data: data, src: src}
	}
}

// serve is the single processing goroutine. Requests and policy changes
// are handled one at a time in arrival order.
func (s *Server) serve(ctx context.Context) {
	defer s.wg.Done()

	changes := s.watch.C
	for {
		select {
		case pkt, ok := <-s.packets:
			if !ok {
				return
			}
			s.handlePacket(ctx, pkt)
		case c, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			s.policy.HandleChange(c)
		}
	}
}

func (s *Server) handlePacket(ctx context.Context, pkt packet) {
	reply, ok := s.processor.Process(ctx, pkt.data, pkt.src)
	if !ok {
		return
	}
	if _, err := s.conn.WriteToUDPAddrPort(reply, pkt.src); err != nil {
		s.logger.Warnf("Failed to send reply to %s: %v", pkt.src, err)
	}
}

// clearMappings deletes the whole table, reporting each mapping removed.
func (s *Server) clearMappings(ctx context.Context) error {
	all, err := s.store.List(ctx)
	if err != nil {
		return err
	}
	if err := s.store.DeleteAll(ctx); err != nil {
		return err
	}
	for _, m := range all {
		s.handle.Notify(notify.Event{Kind: notify.MappingDeleted, Mapping: m})
	}
	if len(all) > 0 {
		s.logger.Infof("Cleared %d mappings", len(all))
	}
	return nil
}

// Stop shuts down the server gracefully and clears all mappings.
func (s *Server) Stop(timeout time.Duration) error {
	if !s.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	var errs error
	s.logger.Info("Shutting down listener...")
	if s.conn != nil {
		errs = multierr.Append(errs, s.conn.Close())
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Processing loop stopped cleanly")
	case <-time.After(timeout):
		s.logger.Warn("Shutdown timed out; requests may still be in flight")
		errs = multierr.Append(errs, errors.New("timeout waiting for shutdown"))
	}

	if s.watch != nil {
		s.watch.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	errs = multierr.Append(errs, s.clearMappings(ctx))
	return errs
}
