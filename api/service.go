// Package api wires the session core together and exposes it over a websocket
// transport and a small HTTP surface.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ericfitz/sessioncore/auth"
	"github.com/ericfitz/sessioncore/internal/config"
	"github.com/ericfitz/sessioncore/internal/connections"
	"github.com/ericfitz/sessioncore/internal/election"
	"github.com/ericfitz/sessioncore/internal/hierarchy"
	"github.com/ericfitz/sessioncore/internal/propagation"
	"github.com/ericfitz/sessioncore/internal/protocol"
	"github.com/ericfitz/sessioncore/internal/retry"
	"github.com/ericfitz/sessioncore/internal/roomstore"
	"github.com/ericfitz/sessioncore/internal/slogging"
	"github.com/ericfitz/sessioncore/internal/telemetry"
	"github.com/ericfitz/sessioncore/internal/tokens"
)

// ErrTokensDisabled is returned by refreshes when no signing secret is configured
var ErrTokensDisabled = errors.New("token issuing disabled")

// Devices is the device-document collaborator
type Devices interface {
	Touch(ctx context.Context, userID, deviceID, tabID string, seenAt time.Time) error
}

// Options are the external dependencies of a Service. Redis and Config are
// required; everything else is optional.
type Options struct {
	Config    *config.Config
	Redis     redis.UniversalClient
	Telemetry *telemetry.Service
	// Auth verifies upgrade tokens and reissues session tokens
	Auth     *auth.Service
	Devices  Devices
	Sessions tokens.Sessions
	Auditor  propagation.Auditor
	Clock    clockwork.Clock
}

// Service is the explicit context shared by every component of one process
type Service struct {
	cfg       *config.Config
	store     *roomstore.Store
	rooms     *hierarchy.Registry
	conns     *connections.Registry
	election  *election.Coordinator
	events    *propagation.Engine
	tokens    *tokens.Coordinator
	auth      *auth.Service
	devices   Devices
	telemetry *telemetry.Service
	metrics   *telemetry.SessionMetrics
	clock     clockwork.Clock
	logger    *slogging.Logger

	handlers map[protocol.MessageType]handlerFunc
	// upgrade principals by connection id
	principals sync.Map

	ctx        context.Context
	background sync.WaitGroup
}

// NewService builds every component once and connects them
func NewService(opts Options) (*Service, error) {
	if opts.Config == nil || opts.Redis == nil {
		return nil, errors.New("config and redis client are required")
	}
	cfg := opts.Config
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	tel := opts.Telemetry
	if tel == nil {
		var err error
		if tel, err = telemetry.NewService(telemetry.Config{ServiceName: cfg.Telemetry.ServiceName}); err != nil {
			return nil, err
		}
	}
	metrics, err := telemetry.NewSessionMetrics(tel.Meter())
	if err != nil {
		return nil, fmt.Errorf("failed to create session metrics: %w", err)
	}

	s := &Service{
		cfg:       cfg,
		auth:      opts.Auth,
		devices:   opts.Devices,
		telemetry: tel,
		metrics:   metrics,
		clock:     clock,
		logger:    slogging.Get(),
		ctx:       context.Background(),
	}

	s.store = roomstore.New(opts.Redis, cfg.Rooms.Store)
	s.rooms = hierarchy.New(s.store, cfg.Rooms.Hierarchy, hierarchy.WithClock(clock))
	s.conns = connections.New(cfg.Connections, connections.WithClock(clock))
	s.election = election.New(s.conns, cfg.Election, election.WithClock(clock))
	s.election.Subscribe(metrics.ObserveElection)

	eventOpts := []propagation.Option{propagation.WithClock(clock), propagation.WithMetrics(metrics)}
	if opts.Auditor != nil {
		eventOpts = append(eventOpts, propagation.WithAuditor(opts.Auditor))
	}
	s.events = propagation.New(s.rooms, s.conns, cfg.Propagation, eventOpts...)

	var refresher tokens.Refresher = disabledRefresher{}
	if opts.Auth != nil {
		refresher = opts.Auth
	}
	tokenOpts := []tokens.Option{tokens.WithClock(clock), tokens.WithMetrics(metrics)}
	if opts.Sessions != nil {
		tokenOpts = append(tokenOpts, tokens.WithSessions(opts.Sessions))
	}
	s.tokens = tokens.New(s.election, s.conns, s.events, refresher, cfg.Tokens, tokenOpts...)

	s.handlers = s.dispatchTable()
	return s, nil
}

// Rooms returns the hierarchy registry
func (s *Service) Rooms() *hierarchy.Registry { return s.rooms }

// Connections returns the connection registry
func (s *Service) Connections() *connections.Registry { return s.conns }

// Election returns the leader election coordinator
func (s *Service) Election() *election.Coordinator { return s.election }

// Events returns the propagation engine
func (s *Service) Events() *propagation.Engine { return s.events }

// Tokens returns the token refresh coordinator
func (s *Service) Tokens() *tokens.Coordinator { return s.tokens }

// Run starts the background loops and the HTTP server and blocks until ctx is
// done or one of them fails
func (s *Service) Run(ctx context.Context) error {
	s.ctx = ctx
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { s.conns.Start(gctx); return nil })
	g.Go(func() error { s.election.Start(gctx); return nil })
	g.Go(func() error { s.events.Start(gctx); return nil })
	g.Go(func() error { s.tokens.Start(gctx); return nil })
	g.Go(func() error { s.rooms.RunSweeper(gctx, 0); return nil })

	srv := &http.Server{
		Addr:              s.cfg.ListenAddr(),
		Handler:           s.Router(),
		ReadTimeout:       s.cfg.Server.ReadTimeout,
		ReadHeaderTimeout: s.cfg.Server.ReadTimeout,
		WriteTimeout:      s.cfg.Server.WriteTimeout,
		IdleTimeout:       s.cfg.Server.IdleTimeout,
	}
	g.Go(func() error {
		s.logger.Info("Starting server on %s", srv.Addr)
		var err error
		if s.cfg.Server.TLSEnabled {
			err = srv.ListenAndServeTLS(s.cfg.Server.TLSCertFile, s.cfg.Server.TLSKeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		s.closeAll()
		return err
	})

	err := g.Wait()
	s.Wait()
	return err
}

// closeAll closes every websocket; hijacked connections are not closed by Shutdown
func (s *Service) closeAll() {
	for _, conn := range s.conns.All() {
		_ = conn.Close()
	}
}

// Wait blocks until queued emissions and room cleanups have finished
func (s *Service) Wait() {
	s.events.Wait()
	s.background.Wait()
}

// Ping reports whether the room store is reachable
func (s *Service) Ping(ctx context.Context) error {
	return s.rooms.Ping(ctx)
}

type disabledRefresher struct{}

func (disabledRefresher) Refresh(context.Context, tokens.RefreshRequest) (tokens.RefreshResult, error) {
	return tokens.RefreshResult{}, retry.Permanent(ErrTokensDisabled)
}
