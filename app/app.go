// Package app ties a serving function to a registry registration: announce
// on start, heartbeat while serving, withdraw on shutdown.
package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/flare152/flare/registry"
)

const (
	defaultVersion           = "0.1.0"
	defaultHeartbeatInterval = 5 * time.Second

	// deregisterTimeout bounds the registry call during shutdown, whose
	// parent context is usually already canceled.
	deregisterTimeout = 5 * time.Second
)

// ServeFunc runs the service itself. It must return when ctx is done.
type ServeFunc func(ctx context.Context) error

// Config describes the instance to announce.
type Config struct {
	// Name is the service name instances group under.
	Name string
	// ID defaults to a fresh uuid.
	ID string
	// Version defaults to 0.1.0.
	Version string
	Tags    []string
	Meta    map[string]string
	Weight  int
	// HeartbeatInterval defaults to 5s. Backends whose Heartbeat is a
	// no-op simply get called for nothing.
	HeartbeatInterval time.Duration
}

// App runs one service instance under a registry registration.
type App struct {
	config  Config
	backend registry.Registry
	log     *zerolog.Logger
}

func New(config Config, backend registry.Registry, log *zerolog.Logger) (*App, error) {
	if config.Name == "" {
		return nil, errors.New("app needs a service name")
	}
	if backend == nil {
		return nil, errors.New("app needs a registry")
	}
	if config.ID == "" {
		config.ID = uuid.New().String()
	}
	if config.Version == "" {
		config.Version = defaultVersion
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaultHeartbeatInterval
	}
	return &App{config: config, backend: backend, log: log}, nil
}

// ID returns the instance id the app announces under.
func (a *App) ID() string { return a.config.ID }

// Run announces the instance at ip:port and serves until ctx is canceled,
// serve returns, or the process receives SIGTERM/SIGINT. The registration
// is withdrawn on the way out and serve's error is returned.
func (a *App) Run(ctx context.Context, ip string, port int, serve ServeFunc) error {
	reg := &registry.Registration{
		Name:    a.config.Name,
		ID:      a.config.ID,
		Tags:    a.config.Tags,
		Address: ip,
		Port:    port,
		Weight:  a.config.Weight,
		Meta:    a.config.Meta,
		Version: a.config.Version,
	}
	if err := a.backend.Register(ctx, reg); err != nil {
		return errors.Wrap(err, "failed to register service")
	}
	a.log.Info().
		Str("service", reg.Name).
		Str("id", reg.ID).
		Str("addr", registry.Endpoint{Address: ip, Port: port}.Addr()).
		Msg("service registered")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gCtx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		// Any serve exit, clean or not, ends the run.
		defer cancel()
		return serve(gCtx)
	})
	g.Go(func() error {
		a.heartbeat(gCtx)
		return nil
	})
	g.Go(func() error {
		signals := make(chan os.Signal, 10)
		signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)
		defer signal.Stop(signals)
		select {
		case s := <-signals:
			a.log.Info().Str("signal", s.String()).Msg("terminating due to signal")
			cancel()
		case <-gCtx.Done():
		}
		return nil
	})
	serveErr := g.Wait()

	deregCtx, deregCancel := context.WithTimeout(context.Background(), deregisterTimeout)
	defer deregCancel()
	if err := a.backend.Deregister(deregCtx, reg.ID); err != nil {
		a.log.Error().Err(err).Str("id", reg.ID).Msg("failed to deregister service")
	} else {
		a.log.Info().Str("id", reg.ID).Msg("service deregistered")
	}
	return serveErr
}

func (a *App) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(a.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.backend.Heartbeat(ctx, a.config.ID); err != nil {
				a.log.Error().
					Err(err).
					Str("id", a.config.ID).
					Msg("registry heartbeat failed")
			}
		}
	}
}
