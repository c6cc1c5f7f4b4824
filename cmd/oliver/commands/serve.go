package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hubautomacao/oliver/pkg/oliver/admin"
	"github.com/hubautomacao/oliver/pkg/oliver/config"
	"github.com/hubautomacao/oliver/pkg/oliver/gateway"
	"github.com/hubautomacao/oliver/pkg/oliver/identity"
	"github.com/hubautomacao/oliver/pkg/oliver/pipeline"
	"github.com/hubautomacao/oliver/pkg/oliver/responder"
	"github.com/hubautomacao/oliver/pkg/oliver/session"
	"github.com/hubautomacao/oliver/pkg/oliver/speech"
)

// newServeCmd creates the `oliver serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook server and background workers",
		Long: `Start Oliver as a daemon: webhook HTTP server, message pipeline,
enrichment workers and scheduled jobs.

Examples:
  oliver serve
  oliver serve --config ./config.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)

	// Audit BEFORE resolving: checks the raw config values for hardcoded keys.
	config.AuditSecrets(cfg, logger)
	config.ResolveSecrets(cfg, logger)

	db, err := session.OpenDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessions := session.NewStore(db, cfg.Enrichment.SummaryThreshold, logger)
	gw := gateway.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.APIKey, cfg.Gateway.Instance, logger)

	var secondary identity.SecondaryStore
	if cfg.Redis.Enabled {
		redisStore, err := identity.NewRedisStore(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Warn("redis indisponível, seguindo só com SQLite", "error", err)
		} else {
			secondary = redisStore
			defer redisStore.Close()
		}
	}
	resolver := identity.NewResolver(identity.NewStore(db, logger), secondary, gw, logger)

	adminState := admin.NewState(cfg.Gateway.Operator)

	llm := responder.NewLLMClient(cfg.AI.BaseURL, cfg.AI.APIKey, cfg.AI.Model, logger)
	var searcher responder.WebSearcher
	if cfg.Search.Enabled {
		searcher = responder.NewDuckDuckGoSearcher()
	}
	generator := responder.NewGenerator(llm, searcher, responder.GeneratorOptions{
		Name:         cfg.Name,
		Instructions: cfg.Instructions,
		Timezones:    append([]string{cfg.Timezone}, cfg.ExtraTimezones...),
		MaxResults:   cfg.Search.MaxResults,
	}, logger)

	transcriber := speech.NewTranscriber(
		cfg.Speech.TranscriptionBaseURL, cfg.AI.APIKey, cfg.Speech.TranscriptionModel, logger)
	synth := buildSynthesizer(cfg, logger)

	enrichPool := pipeline.NewEnrichmentPool(cfg.Workers.PoolSize/2, cfg.Workers.QueueDepth, logger)
	defer enrichPool.Close()

	pending := pipeline.NewPendingStore(db, logger)
	pendingMaxAge := time.Duration(cfg.Workers.PendingMaxAgeHours) * time.Hour

	pipe := pipeline.New(gw, sessions, resolver, pending, adminState, generator,
		transcriber, synth, enrichPool, pipeline.Options{
			Tenant:        cfg.Tenant,
			HistoryWindow: cfg.Enrichment.HistoryWindow,
			LeadEvery:     cfg.Enrichment.LeadEvery,
			PendingMaxAge: pendingMaxAge,
			SpeechSpeed:   cfg.Speech.Speed,
		}, logger)

	scheduler, err := pipeline.NewScheduler(pipe, pipeline.ScheduleConfig{
		PendingRetry:         cfg.Workers.PendingRetrySchedule,
		PendingMaxAge:        pendingMaxAge,
		Reengagement:         cfg.Workers.ReengagementEnabled,
		ReengagementSchedule: cfg.Workers.ReengagementSchedule,
		ReengagementIdle:     time.Duration(cfg.Workers.ReengagementIdleHrs) * time.Hour,
		ReengagementMax:      cfg.Workers.ReengagementMax,
	}, logger)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	server := gateway.NewServer(cfg.Gateway.ListenAddr, pipe.Handle, logger,
		gateway.WithWorkers(cfg.Workers.PoolSize),
		gateway.WithQueueDepth(cfg.Workers.QueueDepth),
	)
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start(ctx) }()

	if state, err := gw.ConnectionState(ctx); err != nil {
		logger.Warn("gateway não respondeu à checagem de conexão", "error", err)
	} else {
		logger.Info("estado da conexão com o gateway", "state", state)
	}

	logger.Info("Oliver no ar. Ctrl+C para parar.",
		"tenant", cfg.Tenant,
		"listen", cfg.Gateway.ListenAddr,
		"instance", cfg.Gateway.Instance,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return err
	case <-sigChan:
	}

	logger.Info("sinal de parada recebido, desligando...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("desligamento do servidor falhou", "error", err)
	}
	return nil
}

// buildSynthesizer monta a cadeia de síntese de voz a partir das chaves
// configuradas. Sem nenhuma chave não há voz; o pipeline degrada pra texto.
func buildSynthesizer(cfg *config.Config, logger *slog.Logger) *speech.Chain {
	var providers []speech.Provider
	voices := make(map[string]string)

	if cfg.Speech.ElevenLabsAPIKey != "" && !config.IsEnvReference(cfg.Speech.ElevenLabsAPIKey) {
		p := speech.NewElevenLabsProvider(cfg.Speech.ElevenLabsAPIKey)
		providers = append(providers, p)
		voices[p.Name()] = cfg.Speech.ElevenLabsVoice
	}
	if cfg.AI.APIKey != "" && !config.IsEnvReference(cfg.AI.APIKey) {
		p := speech.NewOpenAIProvider(cfg.AI.APIKey, cfg.AI.BaseURL, cfg.Speech.OpenAIModel)
		providers = append(providers, p)
		voices[p.Name()] = cfg.Speech.OpenAIVoice
	}
	if len(providers) == 0 {
		logger.Info("nenhum provedor de voz configurado, respostas só em texto")
		return nil
	}
	return speech.NewChain(providers, voices, logger)
}

// resolveConfig carrega a configuração da flag --config ou dos caminhos
// padrão. Sem arquivo nenhum, orienta rodar o setup.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")

	if configPath != "" {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		return cfg, nil
	}

	if found := config.FindConfigFile(); found != "" {
		cfg, err := config.LoadFromFile(found)
		if err != nil {
			return nil, fmt.Errorf("loading config from %s: %w", found, err)
		}
		slog.Info("config carregada", "path", found)
		return cfg, nil
	}

	return nil, fmt.Errorf("nenhum config.yaml encontrado. Rode `oliver setup` primeiro")
}

// newLogger monta o logger conforme a config e a flag --verbose.
func newLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logLevel := slog.LevelInfo
	if verbose || cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}
