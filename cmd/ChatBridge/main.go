// Command ChatBridge bridges the macOS Messages store to the conversational
// agent service: it watches chat.db for inbound messages, runs a turn per
// message and delivers the replies back through Messages (or SMS).
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
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/ChatBridge/internal/agent"
	"github.com/BTreeMap/ChatBridge/internal/chatdb"
	"github.com/BTreeMap/ChatBridge/internal/lockfile"
	"github.com/BTreeMap/ChatBridge/internal/messaging"
	"github.com/BTreeMap/ChatBridge/internal/relay"
	"github.com/BTreeMap/ChatBridge/internal/sequencer"
	"github.com/BTreeMap/ChatBridge/internal/state"
	"github.com/BTreeMap/ChatBridge/internal/store"
	"github.com/BTreeMap/ChatBridge/internal/telemetry"
	"github.com/BTreeMap/ChatBridge/internal/users"
	"github.com/BTreeMap/ChatBridge/internal/util"
	"github.com/BTreeMap/ChatBridge/internal/watcher"
)

// Delivery channels selectable with DELIVERY / -delivery.
const (
	DeliveryIMessage = "imessage"
	DeliveryTwilio   = "twilio"
	DeliveryLog      = "log"
)

// shutdownTimeout bounds the telemetry flush on exit.
const shutdownTimeout = 5 * time.Second

func main() {
	initializeLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	config := loadEnvironmentConfig()
	flags, err := parseCommandLineFlags(config, os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	initializeLogger(*flags.logLevel, *flags.logFormat)

	if err := validateFlags(flags); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, flags)
	stop()
	if err != nil {
		slog.Error("ChatBridge failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("ChatBridge exited successfully")
}

// Config holds environment configuration.
type Config struct {
	ServiceURL         string
	ServiceKey         string
	ChatDBPath         string
	StateDir           string
	TargetPhone        string
	UserID             string
	MultiUser          bool
	Debounce           time.Duration
	PollInterval       time.Duration
	MaxConcurrentTurns int
	UserCacheTTL       time.Duration
	SignupURLBase      string
	DatabaseURL        string
	Delivery           string
	OTelExporter       string
	OTelEndpoint       string
	LogLevel           string
	LogFormat          string
}

// Flags holds command line flag values.
type Flags struct {
	serviceURL         *string
	serviceKey         *string
	chatDBPath         *string
	stateDir           *string
	targetPhone        *string
	userID             *string
	multiUser          *bool
	debounce           *time.Duration
	pollInterval       *time.Duration
	maxConcurrentTurns *int
	userCacheTTL       *time.Duration
	signupURLBase      *string
	databaseURL        *string
	delivery           *string
	otelExporter       *string
	otelEndpoint       *string
	logLevel           *string
	logFormat          *string
}

// initializeLogger installs the default slog logger. Unknown levels fall back
// to info; format is "text" (default) or "json".
func initializeLogger(level, format string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil || level == "" {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// defaultPaths returns the Messages store and state directory under the
// user's home.
func defaultPaths() (chatDB, stateDir string) {
	home, err := os.UserHomeDir()
	if err != nil {
		slog.Warn("Cannot resolve home directory, using relative defaults", "error", err)
		home = "."
	}
	return filepath.Join(home, "Library", "Messages", "chat.db"), filepath.Join(home, ".config", "chatbridge")
}

// loadEnvironmentConfig loads configuration from environment variables and .env file.
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	chatDB, stateDir := defaultPaths()
	config := Config{
		ServiceURL:         strings.TrimRight(os.Getenv("BRIDGE_SERVICE_URL"), "/"),
		ServiceKey:         os.Getenv("BRIDGE_SERVICE_KEY"),
		ChatDBPath:         os.Getenv("CHAT_DB_PATH"),
		StateDir:           os.Getenv("BRIDGE_STATE_DIR"),
		TargetPhone:        os.Getenv("TARGET_PHONE"),
		UserID:             os.Getenv("USER_ID"),
		MultiUser:          util.ParseBoolEnv("MULTI_USER", true),
		Debounce:           util.ParseDurationEnv("DEBOUNCE_SECONDS", watcher.DefaultDebounce),
		PollInterval:       util.ParseDurationEnv("POLL_INTERVAL", watcher.DefaultPollInterval),
		MaxConcurrentTurns: util.ParseIntEnv("MAX_CONCURRENT_TURNS", sequencer.DefaultMaxConcurrentTurns),
		UserCacheTTL:       util.ParseDurationEnv("USER_CACHE_TTL", users.DefaultTTL),
		SignupURLBase:      os.Getenv("SIGNUP_URL_BASE"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		Delivery:           strings.ToLower(os.Getenv("DELIVERY")),
		OTelExporter:       os.Getenv("OTEL_EXPORTER"),
		OTelEndpoint:       os.Getenv("OTEL_ENDPOINT"),
		LogLevel:           os.Getenv("LOG_LEVEL"),
		LogFormat:          os.Getenv("LOG_FORMAT"),
	}

	if config.ChatDBPath == "" {
		config.ChatDBPath = chatDB
	}
	if config.StateDir == "" {
		config.StateDir = stateDir
		slog.Debug("No BRIDGE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.SignupURLBase == "" {
		config.SignupURLBase = sequencer.DefaultSignupURLBase
	}
	if config.Delivery == "" {
		config.Delivery = DeliveryIMessage
	}
	if config.OTelExporter == "" {
		config.OTelExporter = telemetry.ExporterNone
	}

	slog.Debug("environment variables loaded",
		"BRIDGE_SERVICE_URL", config.ServiceURL,
		"BRIDGE_SERVICE_KEY_SET", config.ServiceKey != "",
		"CHAT_DB_PATH", config.ChatDBPath,
		"BRIDGE_STATE_DIR", config.StateDir,
		"TARGET_PHONE_SET", config.TargetPhone != "",
		"USER_ID_SET", config.UserID != "",
		"MULTI_USER", config.MultiUser,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"DELIVERY", config.Delivery,
		"OTEL_EXPORTER", config.OTelExporter)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults.
func parseCommandLineFlags(config Config, args []string) (Flags, error) {
	fs := flag.NewFlagSet("ChatBridge", flag.ContinueOnError)
	flags := Flags{
		serviceURL:         fs.String("service-url", config.ServiceURL, "agent service base URL (overrides $BRIDGE_SERVICE_URL)"),
		serviceKey:         fs.String("service-key", config.ServiceKey, "agent service key (overrides $BRIDGE_SERVICE_KEY)"),
		chatDBPath:         fs.String("chat-db", config.ChatDBPath, "path to the Messages chat.db (overrides $CHAT_DB_PATH)"),
		stateDir:           fs.String("state-dir", config.StateDir, "state directory for the cursor and lock (overrides $BRIDGE_STATE_DIR)"),
		targetPhone:        fs.String("target-phone", config.TargetPhone, "single-user mode: only this sender (overrides $TARGET_PHONE)"),
		userID:             fs.String("user-id", config.UserID, "single-user mode: account id for the relay (overrides $USER_ID)"),
		multiUser:          fs.Bool("multi-user", config.MultiUser, "serve every sender (overrides $MULTI_USER)"),
		debounce:           fs.Duration("debounce", config.Debounce, "quiet period after a file event (overrides $DEBOUNCE_SECONDS)"),
		pollInterval:       fs.Duration("poll-interval", config.PollInterval, "mtime poll interval (overrides $POLL_INTERVAL)"),
		maxConcurrentTurns: fs.Int("max-concurrent-turns", config.MaxConcurrentTurns, "cap on in-flight agent turns (overrides $MAX_CONCURRENT_TURNS)"),
		userCacheTTL:       fs.Duration("user-cache-ttl", config.UserCacheTTL, "user snapshot lifetime (overrides $USER_CACHE_TTL)"),
		signupURLBase:      fs.String("signup-url", config.SignupURLBase, "signup page base URL (overrides $SIGNUP_URL_BASE)"),
		databaseURL:        fs.String("database-url", config.DatabaseURL, "Postgres DSN for the user directory (overrides $DATABASE_URL)"),
		delivery:           fs.String("delivery", config.Delivery, "delivery channel: imessage, twilio or log (overrides $DELIVERY)"),
		otelExporter:       fs.String("otel-exporter", config.OTelExporter, "telemetry exporter: none, stdout or otlp-http (overrides $OTEL_EXPORTER)"),
		otelEndpoint:       fs.String("otel-endpoint", config.OTelEndpoint, "OTLP/HTTP collector address (overrides $OTEL_ENDPOINT)"),
		logLevel:           fs.String("log-level", config.LogLevel, "log level: debug, info, warn or error (overrides $LOG_LEVEL)"),
		logFormat:          fs.String("log-format", config.LogFormat, "log format: text or json (overrides $LOG_FORMAT)"),
	}
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	slog.Debug("flags parsed",
		"serviceURL", *flags.serviceURL,
		"chatDBPath", *flags.chatDBPath,
		"stateDir", *flags.stateDir,
		"multiUser", *flags.multiUser,
		"maxConcurrentTurns", *flags.maxConcurrentTurns,
		"delivery", *flags.delivery,
		"otelExporter", *flags.otelExporter)
	return flags, nil
}

// validateFlags checks settings that cannot be defaulted.
func validateFlags(flags Flags) error {
	if *flags.serviceURL == "" || *flags.serviceKey == "" {
		return errors.New("BRIDGE_SERVICE_URL and BRIDGE_SERVICE_KEY are required")
	}
	if !*flags.multiUser && *flags.targetPhone == "" {
		return errors.New("TARGET_PHONE is required when MULTI_USER is off")
	}
	switch *flags.delivery {
	case DeliveryIMessage, DeliveryTwilio, DeliveryLog:
	default:
		return fmt.Errorf("unknown delivery %q (supported: imessage, twilio, log)", *flags.delivery)
	}
	return nil
}

// relayEnabled reports whether the single-user fallback relay should run.
func relayEnabled(flags Flags) bool {
	return !*flags.multiUser && *flags.targetPhone != "" && *flags.userID != ""
}

// buildReaderOptions constructs chat.db reader options.
func buildReaderOptions(flags Flags) []chatdb.Option {
	var opts []chatdb.Option
	if !*flags.multiUser {
		opts = append(opts, chatdb.WithSenderFilter(*flags.targetPhone))
	}
	return opts
}

// buildWatcherOptions constructs change detector options.
func buildWatcherOptions(flags Flags) []watcher.Option {
	return []watcher.Option{
		watcher.WithDebounce(*flags.debounce),
		watcher.WithPollInterval(*flags.pollInterval),
	}
}

// buildStoreOptions constructs store options. A Postgres DSN selects the
// direct backend; otherwise the service's REST endpoint is used.
func buildStoreOptions(flags Flags) []store.Option {
	opts := []store.Option{store.WithRESTEndpoint(*flags.serviceURL, *flags.serviceKey)}
	if *flags.databaseURL != "" {
		if store.DetectDSNType(*flags.databaseURL) == "postgres" {
			slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_set", true)
			opts = append(opts, store.WithPostgresDSN(*flags.databaseURL))
		} else {
			slog.Warn("DATABASE_URL is not a Postgres DSN, using the REST store", "dsn_set", true)
		}
	}
	return opts
}

// buildAgentOptions constructs agent client options.
func buildAgentOptions() []agent.Option {
	return []agent.Option{agent.WithLogger(slog.Default())}
}

// buildSender constructs the delivery channel.
func buildSender(flags Flags) (messaging.Sender, error) {
	switch *flags.delivery {
	case DeliveryTwilio:
		sender, err := messaging.NewTwilioSender()
		if err != nil {
			return nil, fmt.Errorf("configure twilio delivery: %w", err)
		}
		return sender, nil
	case DeliveryLog:
		return messaging.LogSender{}, nil
	default:
		return messaging.NewIMessageSender(), nil
	}
}

// buildTelemetryConfig constructs the telemetry configuration.
func buildTelemetryConfig(flags Flags) telemetry.Config {
	return telemetry.Config{
		Exporter: *flags.otelExporter,
		Endpoint: *flags.otelEndpoint,
	}
}

// run starts every component and blocks until ctx is cancelled.
func run(ctx context.Context, flags Flags) error {
	lock, err := lockfile.Acquire(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	if _, err := os.Stat(*flags.chatDBPath); err != nil {
		return fmt.Errorf("chat.db not found at %s (grant Full Disk Access to this process): %w", *flags.chatDBPath, err)
	}
	reader, err := chatdb.Open(*flags.chatDBPath, buildReaderOptions(flags)...)
	if err != nil {
		return err
	}
	defer reader.Close()

	tracker := state.Load(state.PathIn(*flags.stateDir))
	maxPos, err := reader.MaxPosition(ctx)
	if err != nil {
		return err
	}
	if applied, err := tracker.Bootstrap(maxPos); err != nil {
		slog.Error("Failed to persist bootstrap cursor", "error", err)
	} else if applied {
		slog.Info("First run detected, skipping historical messages", "cursor", maxPos)
	}

	tel, err := telemetry.Init(ctx, buildTelemetryConfig(flags))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Telemetry shutdown failed", "error", err)
		}
	}()

	st, err := store.New(buildStoreOptions(flags)...)
	if err != nil {
		return err
	}
	defer st.Close()

	sender, err := buildSender(flags)
	if err != nil {
		return err
	}
	client := agent.NewClient(*flags.serviceURL, *flags.serviceKey, buildAgentOptions()...)

	seq := sequencer.New(sequencer.Config{
		MaxConcurrentTurns: *flags.maxConcurrentTurns,
		SignupURLBase:      *flags.signupURLBase,
	}, sequencer.Deps{
		Rows:      reader,
		State:     tracker,
		Users:     users.NewCache(st, users.WithTTL(*flags.userCacheTTL)),
		Agent:     client,
		Onboard:   client,
		Sender:    sender,
		Telemetry: tel,
	})

	slog.Info("ChatBridge starting",
		"multi_user", *flags.multiUser,
		"service_url", *flags.serviceURL,
		"cursor", tracker.Cursor(),
		"chat_db", *flags.chatDBPath,
		"delivery", *flags.delivery,
		"relay", relayEnabled(flags))

	var wg sync.WaitGroup
	w := watcher.New(filepath.Dir(*flags.chatDBPath), seq.OnStoreChanged, buildWatcherOptions(flags)...)
	// Pick up anything that arrived while the bridge was down.
	w.Trigger()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := w.Run(ctx); err != nil {
			slog.Error("Watcher stopped with error", "error", err)
		}
	}()

	outbox := relay.NewOutboxPoller(st, sender)
	wg.Add(1)
	go func() {
		defer wg.Done()
		outbox.Run(ctx)
	}()

	if relayEnabled(flags) {
		rr := relay.NewReplyRelay(st, tracker, sender, *flags.targetPhone, *flags.userID)
		wg.Add(1)
		go func() {
			defer wg.Done()
			rr.Run(ctx)
		}()
	}

	<-ctx.Done()
	slog.Info("Shutdown signal received, stopping")
	wg.Wait()
	seq.Close()
	if err := tracker.Save(); err != nil {
		slog.Error("Final state save failed", "error", err)
	}
	return nil
}
