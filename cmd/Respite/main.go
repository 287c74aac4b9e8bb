// Command Respite runs the intervention engine: it ticks every user with an
// open session, delivers due interventions, and serves the HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/BTreeMap/Respite/internal/api"
	"github.com/BTreeMap/Respite/internal/engine"
	"github.com/BTreeMap/Respite/internal/genai"
	"github.com/BTreeMap/Respite/internal/lockfile"
	"github.com/BTreeMap/Respite/internal/messaging"
	"github.com/BTreeMap/Respite/internal/metrics"
	"github.com/BTreeMap/Respite/internal/models"
	"github.com/BTreeMap/Respite/internal/recovery"
	"github.com/BTreeMap/Respite/internal/reminder"
	"github.com/BTreeMap/Respite/internal/scheduler"
	"github.com/BTreeMap/Respite/internal/store"
	"github.com/BTreeMap/Respite/internal/twilioclient"
	"github.com/BTreeMap/Respite/internal/usercontext"
	"github.com/BTreeMap/Respite/internal/util"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for Respite state data
	DefaultStateDir = "/var/lib/respite"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "respite.db"
)

// Config holds the resolved configuration: .env, then environment, then flags.
type Config struct {
	StateDir            string
	DatabaseURL         string
	APIAddr             string
	TickInterval        time.Duration
	TickTimeout         time.Duration
	TickConcurrency     int
	StateRetention      time.Duration
	MaxDeliveryAttempts int
	StressWeightsFile   string
	OpenAIKey           string
	OpenAIModel         string
	TwilioAccountSID    string
	TwilioAuthToken     string
	TwilioFrom          string
	Debug               bool
}

func main() {
	config := loadEnvironmentConfig()
	config, err := parseFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		os.Exit(2)
	}
	initializeLogger(config.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping Respite", "state_dir", config.StateDir, "dsn_type", store.DetectDSNType(config.DatabaseURL), "api_addr", config.APIAddr)
	if err := run(ctx, config); err != nil {
		slog.Error("Respite failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("Respite exited successfully")
}

// initializeLogger installs a text handler as the default logger.
func initializeLogger(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}

// loadEnvironmentConfig loads configuration from the .env file and environment variables.
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	config := Config{
		StateDir:            util.StringEnv("RESPITE_STATE_DIR", DefaultStateDir),
		DatabaseURL:         util.StringEnv("DATABASE_URL", ""),
		APIAddr:             util.StringEnv("API_ADDR", api.DefaultAddr),
		TickInterval:        util.ParseDurationEnv("TICK_INTERVAL", scheduler.DefaultTickInterval),
		TickTimeout:         util.ParseDurationEnv("TICK_TIMEOUT", scheduler.DefaultTickTimeout),
		TickConcurrency:     util.ParseIntEnv("TICK_CONCURRENCY", scheduler.DefaultConcurrency),
		StateRetention:      util.ParseDurationEnv("STATE_RETENTION", engine.DefaultStateRetention),
		MaxDeliveryAttempts: util.ParseIntEnv("MAX_DELIVERY_ATTEMPTS", engine.DefaultMaxDeliveryAttempts),
		StressWeightsFile:   util.StringEnv("STRESS_WEIGHTS_FILE", ""),
		OpenAIKey:           util.StringEnv("OPENAI_API_KEY", ""),
		OpenAIModel:         util.StringEnv("OPENAI_MODEL", genai.DefaultModel),
		TwilioAccountSID:    util.StringEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:     util.StringEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioFrom:          util.StringEnv("TWILIO_FROM_NUMBER", ""),
		Debug:               util.ParseBoolEnv("RESPITE_DEBUG", false),
	}

	slog.Debug("environment variables loaded",
		"RESPITE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"API_ADDR", config.APIAddr,
		"TICK_INTERVAL", config.TickInterval,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "")
	return config
}

// parseFlags applies command line overrides on top of config. Without a
// database URL, the SQLite file lives in the (possibly overridden) state dir.
func parseFlags(fs *flag.FlagSet, args []string, config Config) (Config, error) {
	fs.StringVar(&config.StateDir, "state-dir", config.StateDir, "state directory for Respite data (overrides $RESPITE_STATE_DIR)")
	fs.StringVar(&config.DatabaseURL, "db-dsn", config.DatabaseURL, "PostgreSQL DSN or SQLite path (overrides $DATABASE_URL)")
	fs.StringVar(&config.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.DurationVar(&config.TickInterval, "tick-interval", config.TickInterval, "interval between sweeps (overrides $TICK_INTERVAL)")
	fs.DurationVar(&config.TickTimeout, "tick-timeout", config.TickTimeout, "per-user tick timeout (overrides $TICK_TIMEOUT)")
	fs.IntVar(&config.TickConcurrency, "tick-concurrency", config.TickConcurrency, "maximum concurrent user ticks (overrides $TICK_CONCURRENCY)")
	fs.StringVar(&config.StressWeightsFile, "stress-weights", config.StressWeightsFile, "YAML stress weights file (overrides $STRESS_WEIGHTS_FILE)")
	fs.StringVar(&config.OpenAIKey, "openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.BoolVar(&config.Debug, "debug", config.Debug, "enable debug logging (overrides $RESPITE_DEBUG)")
	if err := fs.Parse(args); err != nil {
		return config, err
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
	}
	return config, nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(config Config) []store.Option {
	if store.DetectDSNType(config.DatabaseURL) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return []store.Option{store.WithPostgresDSN(config.DatabaseURL)}
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", config.DatabaseURL)
	return []store.Option{store.WithSQLiteDSN(config.DatabaseURL)}
}

// buildTransport routes audio reminders to Twilio when configured. Every
// other method, and audio without Twilio or without a contact phone, lands in
// the in-app inbox; each delivery is also logged.
func buildTransport(config Config, inbox *messaging.Inbox) *messaging.Router {
	local := messaging.Fanout{inbox, messaging.NewLogTransport(nil)}
	router := messaging.NewRouter(local)
	if config.TwilioAccountSID == "" {
		return router
	}
	client, err := twilioclient.NewClient(
		twilioclient.WithAccountSID(config.TwilioAccountSID),
		twilioclient.WithAuthToken(config.TwilioAuthToken),
		twilioclient.WithFrom(config.TwilioFrom),
	)
	if err != nil {
		slog.Warn("Twilio not configured, audio reminders go to the inbox", "error", err)
		return router
	}
	router.Handle(models.MethodAudioReminder, messaging.NewTwilioTransport(client, messaging.WithNoRecipientFallback(local)))
	return router
}

// buildAnalyzer returns the AI analysis client, or nil when no key is set.
func buildAnalyzer(config Config) engine.Analyzer {
	if config.OpenAIKey == "" {
		return nil
	}
	client, err := genai.NewClient(genai.WithAPIKey(config.OpenAIKey), genai.WithModel(config.OpenAIModel))
	if err != nil {
		slog.Warn("AI analysis disabled", "error", err)
		return nil
	}
	return client
}

func run(ctx context.Context, config Config) error {
	if store.DetectDSNType(config.DatabaseURL) != "postgres" {
		lock, err := lockfile.Acquire(config.StateDir)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	st, err := store.New(buildStoreOptions(config)...)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	weights, err := reminder.LoadConfig(config.StressWeightsFile)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	provider := usercontext.NewMemoryProvider(0)
	inbox := messaging.NewInbox(messaging.DefaultInboxSize)
	engineOpts := []engine.Option{
		engine.WithReminderScheduler(reminder.New(weights)),
		engine.WithReceiptLog(st),
		engine.WithObserver(metrics.MustNew(registry)),
		engine.WithMaxDeliveryAttempts(config.MaxDeliveryAttempts),
		engine.WithStateRetention(config.StateRetention),
	}
	if analyzer := buildAnalyzer(config); analyzer != nil {
		engineOpts = append(engineOpts, engine.WithAnalyzer(analyzer))
	}
	dispatcher, err := engine.NewDispatcher(engine.Deps{
		Rules:     st,
		Context:   provider,
		States:    st,
		Transport: buildTransport(config, inbox),
	}, engineOpts...)
	if err != nil {
		return err
	}

	sched, err := scheduler.New(dispatcher, scheduler.Config{
		TickInterval: config.TickInterval,
		TickTimeout:  config.TickTimeout,
		Concurrency:  config.TickConcurrency,
	})
	if err != nil {
		return err
	}

	rm := recovery.NewRecoveryManager()
	rm.RegisterRecoverable(recovery.NewSessionRecovery(st, sched))
	if err := rm.RecoverAll(ctx); err != nil {
		slog.Warn("Recovery incomplete", "error", err)
	}

	srv, err := api.NewServer(api.Deps{
		Store:    st,
		Actions:  dispatcher,
		Sessions: sched,
		Context:  provider,
		Inbox:    inbox,
		Metrics:  metrics.Handler(registry),
	}, api.WithAddr(config.APIAddr))
	if err != nil {
		return err
	}

	sched.Start()
	defer sched.Stop()
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
