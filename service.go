package adatp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/adatp/api"
	"github.com/opd-ai/adatp/auth"
	"github.com/opd-ai/adatp/config"
	"github.com/opd-ai/adatp/keystore"
	"github.com/opd-ai/adatp/metrics"
	"github.com/opd-ai/adatp/room"
	"github.com/opd-ai/adatp/router"
	"github.com/opd-ai/adatp/server"
	"github.com/opd-ai/adatp/transfer"
)

// Version is the adatpd release version.
const Version = "0.1.0"

const shutdownTimeout = 10 * time.Second

// Service assembles the full server process: the protocol listener, the
// admin API, the authorizer selected by configuration, the API keystore,
// and the janitor that sweeps stalled transfers.
type Service struct {
	cfg *config.Config

	stats     *metrics.Collector
	rooms     *room.Registry
	transfers *transfer.Coordinator
	router    *router.Router
	core      *server.Server
	keys      *keystore.Store
	admin     *api.Server

	mu        sync.Mutex
	protoAddr net.Addr
	adminAddr net.Addr
}

// NewService wires a service from configuration. Nothing listens until
// Run.
func NewService(cfg *config.Config) (*Service, error) {
	stats := metrics.NewCollector("adatp")

	rooms := room.NewRegistry()
	for _, name := range cfg.Rooms.Persistent {
		err := rooms.Create(name, room.VisibilityPublic, true)
		if err != nil && !errors.Is(err, room.ErrRoomExists) {
			return nil, fmt.Errorf("adatp: create persistent room %q: %w", name, err)
		}
	}

	transfers := transfer.NewCoordinator(transferLimits(cfg.Transfer))
	rt := router.New(rooms, transfers, stats)

	authorizer, err := buildAuthorizer(cfg.Auth)
	if err != nil {
		return nil, err
	}

	core := server.New(serverOptions(cfg), authorizer, rt, stats)

	keys, err := keystore.Open(cfg.Keystore.Path)
	if err != nil {
		return nil, err
	}

	admin := api.New(api.Options{
		Addr:    cfg.Listen.HTTP,
		Version: Version,
	}, core, stats, rooms, keys)

	return &Service{
		cfg:       cfg,
		stats:     stats,
		rooms:     rooms,
		transfers: transfers,
		router:    rt,
		core:      core,
		keys:      keys,
		admin:     admin,
	}, nil
}

// Run binds both listeners and serves until ctx is cancelled, then shuts
// down gracefully. It returns the first serving error, or nil on a clean
// shutdown.
func (s *Service) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	protoLn, err := net.Listen("tcp", s.cfg.Listen.TCP)
	if err != nil {
		return fmt.Errorf("adatp: listen %s: %w", s.cfg.Listen.TCP, err)
	}
	adminLn, err := net.Listen("tcp", s.cfg.Listen.HTTP)
	if err != nil {
		protoLn.Close()
		return fmt.Errorf("adatp: listen %s: %w", s.cfg.Listen.HTTP, err)
	}

	s.mu.Lock()
	s.protoAddr = protoLn.Addr()
	s.adminAddr = adminLn.Addr()
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Run",
		"version":  Version,
		"protocol": protoLn.Addr().String(),
		"admin":    adminLn.Addr().String(),
	}).Info("Service started")

	errCh := make(chan error, 2)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.core.Serve(protoLn); !errors.Is(err, server.ErrServerClosed) {
			errCh <- err
			cancel()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.admin.Serve(ctx, adminLn); err != nil {
			errCh <- err
			cancel()
		}
	}()

	wg.Add(1)
	go s.janitor(ctx, &wg)

	<-ctx.Done()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := s.core.Shutdown(shutdownCtx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Run",
			"error":    err,
		}).Warn("Protocol server shutdown incomplete")
	}

	wg.Wait()
	s.keys.Close()

	logrus.WithField("function", "Run").Info("Service stopped")

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

// ProtocolAddr returns the bound protocol listener address, nil before
// Run has bound it.
func (s *Service) ProtocolAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protoAddr
}

// AdminAddr returns the bound admin API address, nil before Run has
// bound it.
func (s *Service) AdminAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adminAddr
}

// janitor aborts transfers whose sender has gone quiet, notifying every
// involved session.
func (s *Service) janitor(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(s.cfg.Transfer.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, t := range s.transfers.Sweep() {
				s.stats.TransferAborted()
				s.router.NotifyAbort(t)
				logrus.WithFields(logrus.Fields{
					"function":    "janitor",
					"transfer_id": t.ID(),
				}).Debug("Stalled transfer swept")
			}
		}
	}
}

func buildAuthorizer(cfg config.AuthConfig) (auth.Authorizer, error) {
	switch cfg.Mode {
	case config.AuthModeNone:
		return auth.AllowAll{}, nil
	case config.AuthModeFile:
		return auth.LoadFile(cfg.UsersFile)
	case config.AuthModeWebhook:
		client := &http.Client{Timeout: cfg.WebhookTimeout}
		return auth.NewWebhook(cfg.WebhookURL, client), nil
	}
	return nil, fmt.Errorf("adatp: unknown auth mode %q", cfg.Mode)
}

func serverOptions(cfg *config.Config) server.Options {
	return server.Options{
		MaxConnections:   cfg.Server.MaxConnections,
		QueueSize:        cfg.Server.QueueSize,
		DropPolicy:       cfg.Server.DropPolicy,
		HandshakeTimeout: cfg.Server.HandshakeTimeout,
		WriteTimeout:     cfg.Server.WriteTimeout,
		AnomalyThreshold: cfg.Server.AnomalyThreshold,
		AllowAnonymous:   cfg.Auth.AllowAnonymous,
	}
}

func transferLimits(cfg config.TransferConfig) transfer.Limits {
	return transfer.Limits{
		MaxFileSize:  cfg.MaxFileSize,
		MaxChunkSize: cfg.MaxChunkSize,
		MaxPerSender: cfg.MaxPerSender,
		StallTimeout: cfg.IdleTimeout,
	}
}
