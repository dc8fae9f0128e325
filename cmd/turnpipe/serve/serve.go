// Package servecmder provides the serve command: it wires every component
// together and runs the ingress and admin HTTP servers until terminated.
package servecmder

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kumonrecept/turnpipe/api"
	"github.com/kumonrecept/turnpipe/pkg/classifier/rulebased"
	"github.com/kumonrecept/turnpipe/pkg/config"
	"github.com/kumonrecept/turnpipe/pkg/dedup"
	"github.com/kumonrecept/turnpipe/pkg/delivery"
	"github.com/kumonrecept/turnpipe/pkg/eventlog"
	"github.com/kumonrecept/turnpipe/pkg/eventlog/kafka"
	"github.com/kumonrecept/turnpipe/pkg/gateway"
	"github.com/kumonrecept/turnpipe/pkg/guards"
	"github.com/kumonrecept/turnpipe/pkg/ingress"
	"github.com/kumonrecept/turnpipe/pkg/kv"
	"github.com/kumonrecept/turnpipe/pkg/logger"
	"github.com/kumonrecept/turnpipe/pkg/outbox"
	"github.com/kumonrecept/turnpipe/pkg/pipeline"
	"github.com/kumonrecept/turnpipe/pkg/turn"
)

// ServeFlags is the shared FlagSet for the serve command's flags.
var ServeFlags = config.FlagSet{
	config.FlagIngressListen:  {Name: "ingress-listen", ViperKey: "server.ingress_listen", Description: "Address the webhook ingress listens on"},
	config.FlagAdminListen:    {Name: "admin-listen", ViperKey: "server.admin_listen", Description: "Address the admin/health surface listens on"},
	config.FlagPostgresDSN:    {Name: "postgres-dsn", ViperKey: "postgres.dsn", Description: "Postgres DSN for the outbox store"},
	config.FlagRedisAddr:      {Name: "redis-addr", ViperKey: "redis.addr", Description: "Redis address backing KV/dedup/turn/guards state"},
	config.FlagGatewayURL:     {Name: "gateway-url", Shorthand: "g", ViperKey: "gateway.base_url", Description: "Outbound WhatsApp gateway base URL"},
	config.FlagGatewayToken:   {Name: "gateway-token", ViperKey: "gateway.auth_token", Description: "Outbound WhatsApp gateway auth token"},
	config.FlagPipelineMode:   {Name: "pipeline-mode", ViperKey: "flags.pipeline_mode", Description: "full or degraded"},
	config.FlagRecursionLimit: {Name: "recursion-limit", Shorthand: "r", ViperKey: "guards.recursion_limit", Description: "Turns per conversation before the recursion guard trips"},
}

type serveCommander struct {
	flags config.FlagSet

	ingressListen  string
	adminListen    string
	postgresDSN    string
	redisAddr      string
	gatewayURL     string
	gatewayToken   string
	pipelineMode   string
	recursionLimit int

	debug bool
	cfg   *config.Config
	log   *zap.Logger
}

const serveShortDesc = "Run the ingress and admin servers and the delivery pool"

func NewServeCmd() *cobra.Command {
	cmder := &serveCommander{flags: ServeFlags}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: serveShortDesc,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			configDir, _ := cmd.Flags().GetString("config-dir")
			v, err := config.InitViper(configDir)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			config.BindRegisteredFlags(v, cmd, cmder.flags, []string{
				config.FlagIngressListen,
				config.FlagAdminListen,
				config.FlagPostgresDSN,
				config.FlagRedisAddr,
				config.FlagGatewayURL,
				config.FlagGatewayToken,
				config.FlagPipelineMode,
				config.FlagRecursionLimit,
			})

			cfg := &config.Config{}
			if err := v.Unmarshal(cfg); err != nil {
				return fmt.Errorf("unmarshalling config: %w", err)
			}
			cmder.cfg = cfg
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cmder.debug, err = cmd.Flags().GetBool("debug")
			if err != nil {
				return fmt.Errorf("could not get debug flag: %w", err)
			}
			return cmder.run()
		},
	}

	config.AddStringFlag(cmd, cmder.flags, config.FlagIngressListen, &cmder.ingressListen)
	config.AddStringFlag(cmd, cmder.flags, config.FlagAdminListen, &cmder.adminListen)
	config.AddStringFlag(cmd, cmder.flags, config.FlagPostgresDSN, &cmder.postgresDSN)
	config.AddStringFlag(cmd, cmder.flags, config.FlagRedisAddr, &cmder.redisAddr)
	config.AddStringFlag(cmd, cmder.flags, config.FlagGatewayURL, &cmder.gatewayURL)
	config.AddStringFlag(cmd, cmder.flags, config.FlagGatewayToken, &cmder.gatewayToken)
	config.AddStringFlag(cmd, cmder.flags, config.FlagPipelineMode, &cmder.pipelineMode)
	config.AddIntFlag(cmd, cmder.flags, config.FlagRecursionLimit, &cmder.recursionLimit)

	return cmd
}

func (c *serveCommander) run() error {
	c.log = logger.NewLogger(c.debug)
	defer func() { _ = c.log.Sync() }()

	cfg := c.cfg

	store := kv.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)

	events := c.newEventPublisher()
	defer func() { _ = events.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	repo, err := outbox.NewPostgresRepository(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxOpenConns, cfg.Postgres.ConnMaxLifetime, events, c.log)
	cancel()
	if err != nil {
		return fmt.Errorf("connecting to outbox store: %w", err)
	}
	defer repo.Close()

	var outboxRepo outbox.Repository = repo
	if cfg.Redis.Addr != "" {
		outboxRepo = outbox.NewCachedRepository(repo, store, 30*time.Second, c.log)
	}

	gw := gateway.NewHTTPGateway(cfg.Gateway.BaseURL, cfg.Gateway.AuthToken, gateway.Options{
		Timeout:  cfg.Gateway.Timeout,
		MaxFail:  cfg.Gateway.BreakerMaxFail,
		Cooldown: cfg.Gateway.BreakerCooldown,
	}, c.log)

	dedupStore := dedup.New(store, cfg.Dedup.MessageTTL, cfg.Dedup.IdempotentTTL, c.log)
	turnCtrl := turn.New(store, int64(cfg.Turn.DebounceMs), cfg.Turn.BufferTTL, cfg.Turn.LockTTL, events, c.log)

	deliveryWorker := delivery.NewWorker(outboxRepo, dedupStore, gw, events, cfg.Gateway.Timeout, c.log)
	pool, err := delivery.NewPool(&delivery.PoolConfig{Worker: deliveryWorker, Logger: c.log})
	if err != nil {
		return fmt.Errorf("starting delivery pool: %w", err)
	}
	defer pool.Close()

	g := guards.New(store, guards.Config{
		RecursionLimit:         cfg.Guards.RecursionLimit,
		RecursionTTL:           cfg.Guards.RecursionTTL,
		GreetingCooldown:       cfg.Guards.GreetingCooldown,
		GatewayBreakerMaxFail:  cfg.Gateway.BreakerMaxFail,
		GatewayBreakerCooldown: cfg.Gateway.BreakerCooldown,
	}, events, c.log)

	orch := pipeline.New(rulebased.New(), rulebased.NewRouter(0.5), rulebased.NewPlanner(),
		outboxRepo, deliveryWorker, g, events, store, pipeline.Config{}, c.log)

	scheduler := newFlushScheduler(turnCtrl, orch, c.log)
	defer scheduler.Close()

	debounce := time.Duration(cfg.Turn.DebounceMs) * time.Millisecond
	ing := ingress.New(turnCtrl, dedupStore, events, scheduler, debounce, c.log)

	adminServer := api.NewServer(api.Config{ListenAddr: cfg.Server.AdminListen}, outboxRepo, repo, pool, c.log)

	ingressApp := newFiberApp()
	ing.RegisterRoutes(ingressApp)

	errChan := make(chan error, 2)
	go func() {
		c.log.Info("starting ingress server", zap.String("listen", cfg.Server.IngressListen))
		if err := ingressApp.Listen(cfg.Server.IngressListen); err != nil {
			errChan <- fmt.Errorf("ingress server error: %w", err)
		}
	}()
	go func() {
		if err := adminServer.Run(); err != nil {
			errChan <- fmt.Errorf("admin server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		c.log.Info("received signal, shutting down", zap.String("signal", sig.String()))
		_ = ingressApp.Shutdown()
		_ = adminServer.Shutdown()
		return nil
	}
}

// newEventPublisher selects a Kafka-backed event publisher when
// TURNPIPE_KAFKA_BROKERS is set, falling back to the zap-backed publisher
// otherwise. This is a deployment toggle rather than a config.toml field:
// most operators never need a durable external event stream.
func (c *serveCommander) newEventPublisher() eventlog.Publisher {
	brokers := os.Getenv("TURNPIPE_KAFKA_BROKERS")
	if brokers == "" {
		return eventlog.NewZapPublisher(c.log)
	}

	topic := os.Getenv("TURNPIPE_KAFKA_TOPIC")
	if topic == "" {
		topic = "turnpipe.events"
	}

	c.log.Info("publishing events to kafka", zap.String("topic", topic))
	return kafka.NewPublisher(strings.Split(brokers, ","), topic)
}
