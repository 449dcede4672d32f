package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/goattend/internal/bot"
	"github.com/nextlevelbuilder/goattend/internal/buffer"
	"github.com/nextlevelbuilder/goattend/internal/bus"
	"github.com/nextlevelbuilder/goattend/internal/channels"
	"github.com/nextlevelbuilder/goattend/internal/channels/connector"
	"github.com/nextlevelbuilder/goattend/internal/config"
	"github.com/nextlevelbuilder/goattend/internal/conversation"
	"github.com/nextlevelbuilder/goattend/internal/export"
	"github.com/nextlevelbuilder/goattend/internal/gateway"
	"github.com/nextlevelbuilder/goattend/internal/gateway/methods"
	httpapi "github.com/nextlevelbuilder/goattend/internal/http"
	"github.com/nextlevelbuilder/goattend/internal/ingest"
	"github.com/nextlevelbuilder/goattend/internal/metrics"
	"github.com/nextlevelbuilder/goattend/internal/notify"
	"github.com/nextlevelbuilder/goattend/internal/routing"
	"github.com/nextlevelbuilder/goattend/internal/scheduler"
	"github.com/nextlevelbuilder/goattend/internal/sweeper"
	"github.com/nextlevelbuilder/goattend/internal/tracing"
	"github.com/nextlevelbuilder/goattend/pkg/protocol"
)

func runGateway() {
	// Setup structured logging
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("tracing setup failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		shutdownTracing(flushCtx)
	}()

	stores, closeStores, err := setupStores(cfg)
	if err != nil {
		slog.Error("failed to open stores", "error", err)
		os.Exit(1)
	}
	defer closeStores()

	sess, err := setupSessions(ctx, cfg)
	if err != nil {
		slog.Error("failed to open session store", "error", err)
		os.Exit(1)
	}
	defer sess.Close()

	msgBus := bus.New()
	notifier := notify.New(msgBus)
	timers := scheduler.NewTimers(ctx)
	defer timers.Stop()
	metrics.RegisterTimerGauge(timers.Len)

	machine := conversation.NewMachine(stores, routing.NewBalancer(stores.Directory), notifier)

	// Channels: the connector process fronts every messaging platform.
	channelMgr := channels.NewManager(msgBus)
	var connClient *connector.Client
	if cfg.Connector.URL != "" {
		connClient, err = connector.New(cfg.Connector.URL, cfg.Connector.Token, msgBus)
		if err != nil {
			slog.Error("connector client", "error", err)
			os.Exit(1)
		}
		channelMgr.Register(channels.Fallback, connClient)
	} else {
		slog.Warn("no connector configured, outbound messages are only persisted")
	}

	pipeline := ingest.New(ingest.Deps{
		Stores:     stores,
		Machine:    machine,
		Notifier:   notifier,
		Dispatcher: channelMgr,
	})

	if (cfg.Bot.Provider == "" || cfg.Bot.Provider == "http") && cfg.Bot.URL == "" {
		slog.Warn("no bot url configured, bot-mediated rooms stay silent")
		cfg.Bot.Provider = "none"
	}
	botClient, err := bot.New(cfg.Bot)
	if err != nil {
		slog.Error("bot client", "error", err)
		os.Exit(1)
	}
	if forgetter, ok := botClient.(*bot.OpenAIClient); ok {
		machine.OnClose(func(_ context.Context, t conversation.Target, _ string) {
			forgetter.Forget(t.CitizenKey)
		})
	}

	flow := verificationFlow(cfg, sess, stores, machine, pipeline, timers)
	debouncer := buffer.New(buffer.Deps{
		Sessions: sess,
		Stores:   stores,
		Machine:  machine,
		Bot:      botClient,
		Sender:   pipeline,
		Timers:   timers,
		Config:   cfg,
	})
	flow.SetResumer(pipeline.Resume)
	pipeline.SetVerifier(flow)
	pipeline.SetBuffer(debouncer)

	var exporter export.Exporter = export.Disabled{}
	if cfg.Export.URL != "" {
		exporter = export.NewHTTPExporter(cfg.Export.URL, stores.Conversations, config.ParseDuration(cfg.Export.Timeout, 30*time.Second))
	}

	// Inbound deduplication shared by the bus consumer and the webhook.
	// TTL=20min, max=5000 entries: connector redeliveries and webhook retries.
	dedupe := bus.NewDedupeCache(20*time.Minute, 5000)
	process := processInbound(pipeline, dedupe)
	if connClient != nil {
		// acks wait for persistence so failures are redelivered
		connClient.SetProcessor(process)
	}

	server := gateway.NewServer(cfg, msgBus)
	methods.NewChatMethods(pipeline, machine, stores.Conversations, notifier).Register(server.Router())
	methods.NewRoomMethods(machine, stores.Conversations).Register(server.Router())
	methods.NewAttentionMethods(machine, exporter).Register(server.Router())
	server.AddRoutes(httpapi.NewInboundHandler(pipeline,
		channels.NewInboundLimiter(cfg.Gateway.InboundRPS, cfg.Gateway.InboundBurst), dedupe))
	server.AddRoutes(httpapi.NewRoomsHandler(stores.Conversations, pipeline, machine, exporter, cfg.Gateway.Token))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Hot reload of routing timings.
	if _, statErr := os.Stat(cfgPath); statErr == nil {
		go func() {
			if err := config.Watch(ctx, cfgPath, cfg); err != nil {
				slog.Warn("config watcher unavailable", "error", err)
			}
		}()
	}

	// Start channels
	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Error("failed to start channels", "error", err)
	}

	// Buffers orphaned by a previous run are answered right away.
	if err := debouncer.FlushAll(ctx); err != nil {
		slog.Warn("startup buffer flush failed", "error", err)
	}

	if cfg.Sweeper.Enabled {
		sw, err := sweeper.New(sweeper.Deps{
			Convs:   stores.Conversations,
			Closer:  machine,
			Sender:  pipeline,
			Flusher: debouncer,
			Config:  cfg,
		})
		if err != nil {
			slog.Error("sweeper", "error", err)
			os.Exit(1)
		}
		sw.Start(ctx)
	}

	go consumeInboundMessages(ctx, msgBus, process)

	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)

		// the server broadcasts the shutdown event once ctx is cancelled
		channelMgr.StopAll(context.Background())
		cancel()
	}()

	mode := "standalone"
	if cfg.IsManagedMode() {
		mode = "managed"
	}
	slog.Info("goattend gateway starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"mode", mode,
		"sessions", sessionBackend(cfg),
		"bot", cfg.Bot.Provider,
		"channels", channelMgr.GetStatus(),
	)

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
}
