package main

import (
	"context"
	"crypto/tls"
	"net"
	"os/signal"
	"strconv"
	"syscall"

	raven "github.com/getsentry/raven-go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	cli "github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/flare152/flare/app"
	"github.com/flare152/flare/balancer"
	"github.com/flare152/flare/config"
	"github.com/flare152/flare/discovery"
	"github.com/flare152/flare/logger"
	"github.com/flare152/flare/metrics"
	"github.com/flare152/flare/registry"
	"github.com/flare152/flare/registry/consul"
	"github.com/flare152/flare/registry/etcdreg"
	"github.com/flare152/flare/server"
	"github.com/flare152/flare/tlsconfig"
	"github.com/flare152/flare/watcher"
)

const (
	// defaultWebsocketAddr keeps a bare `flare server` serving something.
	defaultWebsocketAddr = ":8080"
	// defaultMetricsAddr asks the kernel for a port; ServeMetrics logs it.
	defaultMetricsAddr = "localhost:"

	defaultServiceName = "flare"
)

func serverCommand() *cli.Command {
	serverFlags := []cli.Flag{
		&cli.StringFlag{
			Name:  "metrics",
			Usage: "Listen address for metrics reporting. Overrides server.metricsAddr from the config file.",
		},
	}
	return &cli.Command{
		Name:      "server",
		Usage:     "Run the fabric server",
		UsageText: "flare server [command options]",
		Description: `Starts the websocket and QUIC listeners and serves until SIGINT or SIGTERM.
   When a registry backend is configured, the instance announces itself and
   heartbeats for as long as it runs.`,
		Flags:  serverFlags,
		Action: runServer,
		Subcommands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "Run the fabric server",
				UsageText: "flare server run [command options]",
				Flags:     serverFlags,
				Action:    runServer,
			},
		},
	}
}

func runServer(c *cli.Context) (err error) {
	log := logger.CreateLoggerFromContext(c, logger.EnableTerminalLog)
	raven.CapturePanic(func() { err = startServer(c, log) }, nil)
	if err == nil {
		return nil
	}
	log.Err(err).Msg("fabric server exited with an error")
	handleError(err)
	// The error was already printed, so exit silently with a failing code.
	return cli.Exit("", 1)
}

func startServer(c *cli.Context, log *zerolog.Logger) error {
	cfg, err := loadConfig(c, log)
	if err != nil {
		return err
	}

	serverConfig, tlsCleanup, err := buildServerConfig(cfg.Server, log)
	if err != nil {
		return err
	}
	defer tlsCleanup()

	srv, err := server.New(serverConfig, nil, log)
	if err != nil {
		return err
	}

	backend, err := buildRegistry(cfg.Registry, log)
	if err != nil {
		return err
	}

	metricsListener, err := net.Listen("tcp", metricsAddress(c, cfg))
	if err != nil {
		return errors.Wrap(err, "error opening the metrics listener")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	group, ctx := errgroup.WithContext(ctx)

	readyServer := metrics.NewReadyServer(log)
	readyServer.Register("fabric", srv)

	metricsShutdownC := make(chan struct{})
	group.Go(func() error {
		<-ctx.Done()
		close(metricsShutdownC)
		return nil
	})
	group.Go(func() error {
		return metrics.ServeMetrics(metricsListener, metricsShutdownC, readyServer, log)
	})

	if backend == nil {
		log.Info().Msg("Starting the fabric server without service discovery")
		group.Go(func() error { return srv.Run(ctx) })
		return group.Wait()
	}
	defer backend.Close()

	service := cfg.Registry.Service
	if service == "" {
		service = defaultServiceName
	}

	resolver := discovery.NewResolver(backend, strategyFromName(cfg.Discovery.Strategy), cfg.Discovery.SyncInterval, log)
	resolver.Start(ctx)
	defer resolver.Stop()
	go logMembership(ctx, resolver.Watch(), service, log)

	ip, port, err := advertiseEndpoint(cfg.Registry, serverConfig)
	if err != nil {
		return err
	}

	fabricApp, err := app.New(app.Config{
		Name:              service,
		Version:           Version,
		Tags:              cfg.Registry.Tags,
		Meta:              cfg.Registry.Meta,
		Weight:            cfg.Registry.Weight,
		HeartbeatInterval: cfg.Registry.HeartbeatInterval,
	}, backend, log)
	if err != nil {
		return err
	}

	log.Info().
		Str("service", service).
		Str("instance", fabricApp.ID()).
		Str("advertise", net.JoinHostPort(ip, strconv.Itoa(port))).
		Msg("Starting the fabric server")
	group.Go(func() error { return fabricApp.Run(ctx, ip, port, srv.Run) })
	return group.Wait()
}

// logMembership surfaces peers of this instance's own service as they come
// and go, which is the first thing support asks for when fanout looks odd.
func logMembership(ctx context.Context, changes <-chan discovery.Change, service string, log *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			if change.ServiceName != service {
				continue
			}
			for _, endpoint := range change.Added {
				log.Info().Str("service", service).Str("peer", endpoint.Addr()).Msg("peer joined")
			}
			for _, endpoint := range change.Removed {
				log.Info().Str("service", service).Str("peer", endpoint.Addr()).Msg("peer left")
			}
		}
	}
}

func loadConfig(c *cli.Context, log *zerolog.Logger) (*config.Root, error) {
	cfg, warnings, err := config.Load(c.String("config"))
	if err != nil {
		if err == config.ErrNoConfigFile {
			log.Info().Msg("No config file found, using defaults")
			return &config.Root{}, nil
		}
		return nil, err
	}
	if warnings != "" {
		log.Warn().Msg(warnings)
	}
	log.Info().Str("path", cfg.Source()).Msg("Loaded configuration")
	return cfg, nil
}

func buildServerConfig(cfg config.Server, log *zerolog.Logger) (server.Config, func(), error) {
	serverConfig := server.Config{
		WebsocketAddr:    cfg.WebsocketAddr,
		QUICAddr:         cfg.QUICAddr,
		AuthTimeout:      cfg.AuthTimeout,
		WatchdogInterval: cfg.WatchdogInterval,
		StaleAfter:       cfg.StaleAfter,
	}
	if serverConfig.WebsocketAddr == "" && serverConfig.QUICAddr == "" {
		serverConfig.WebsocketAddr = defaultWebsocketAddr
	}
	tlsConfig, cleanup, err := buildTLS(cfg, log)
	if err != nil {
		return server.Config{}, nil, err
	}
	serverConfig.TLS = tlsConfig
	return serverConfig, cleanup, nil
}

// buildTLS turns the cert/key paths into a serving config that follows
// rotations on disk. The returned cleanup stops the rotation watcher.
func buildTLS(cfg config.Server, log *zerolog.Logger) (*tls.Config, func(), error) {
	noop := func() {}
	if cfg.TLSCert == "" && cfg.TLSKey == "" {
		if cfg.QUICAddr == "" {
			return nil, noop, nil
		}
		// QUIC cannot serve without TLS, so a certless config gets a
		// self-signed one. Clients need insecureSkipVerify to accept it.
		log.Warn().Msg("No TLS certificate configured, generating a self-signed one for the QUIC listener")
		tlsConfig, err := tlsconfig.DevServerConfig("localhost", localIP())
		if err != nil {
			return nil, nil, errors.Wrap(err, "error generating a self-signed certificate")
		}
		return tlsConfig, noop, nil
	}

	reloader, err := tlsconfig.NewCertReloader(cfg.TLSCert, cfg.TLSKey, log)
	if err != nil {
		return nil, nil, errors.Wrap(err, "error loading the TLS key pair")
	}
	fileWatcher, err := watcher.NewFile()
	if err != nil {
		return nil, nil, errors.Wrap(err, "error creating the certificate rotation watcher")
	}
	if err := reloader.WatchRotation(fileWatcher); err != nil {
		return nil, nil, errors.Wrap(err, "error watching the TLS key pair for rotation")
	}
	go fileWatcher.Start(reloader)
	return tlsconfig.ServerConfig(reloader), fileWatcher.Shutdown, nil
}

func buildRegistry(cfg config.Registry, log *zerolog.Logger) (registry.Registry, error) {
	switch cfg.Backend {
	case "":
		return nil, nil
	case config.BackendConsul:
		return consul.New(consul.Config{
			Address:  cfg.Consul.Address,
			Token:    cfg.Consul.Token,
			CheckTTL: cfg.Consul.CheckTTL,
		}, log)
	case config.BackendEtcd:
		return etcdreg.New(etcdreg.Config{
			Endpoints:   cfg.Etcd.Endpoints,
			Prefix:      cfg.Etcd.Prefix,
			TTL:         cfg.Etcd.TTL,
			DialTimeout: cfg.Etcd.DialTimeout,
		}, log)
	default:
		return nil, errors.Errorf("unknown registry backend %q, expected %q or %q", cfg.Backend, config.BackendConsul, config.BackendEtcd)
	}
}

func strategyFromName(name string) balancer.Strategy {
	switch name {
	case config.StrategyRandom:
		return balancer.NewRandom()
	case config.StrategyWeighted:
		return balancer.NewWeightedRandom()
	default:
		return balancer.NewRoundRobin()
	}
}

func metricsAddress(c *cli.Context, cfg *config.Root) string {
	if addr := c.String("metrics"); addr != "" {
		return addr
	}
	if cfg.Server.MetricsAddr != "" {
		return cfg.Server.MetricsAddr
	}
	return defaultMetricsAddr
}

// advertiseEndpoint decides the address the registry announces. The port
// falls back to whichever listener has an explicit one.
func advertiseEndpoint(reg config.Registry, serverConfig server.Config) (string, int, error) {
	ip := reg.AdvertiseIP
	if ip == "" {
		ip = localIP()
	}
	if reg.AdvertisePort != 0 {
		return ip, reg.AdvertisePort, nil
	}
	for _, addr := range []string{serverConfig.WebsocketAddr, serverConfig.QUICAddr} {
		if addr == "" {
			continue
		}
		_, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port == 0 {
			continue
		}
		return ip, port, nil
	}
	return "", 0, errors.New("cannot determine the advertise port, set registry.advertisePort")
}

// localIP finds the preferred outbound address. The connectionless dial
// sends nothing; it only makes the kernel pick a route.
func localIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}
