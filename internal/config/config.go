package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the TCP address serving the websocket and HTTP endpoints.
	DefaultAddr = ":7777"
	// DefaultGRPCAddr serves the race observer stream. Empty disables it.
	DefaultGRPCAddr = ":7778"
	// DefaultPingInterval controls the keepalive cadence for websocket connections.
	DefaultPingInterval = 15 * time.Second
	// DefaultMaxPayloadBytes limits inbound websocket frame size.
	DefaultMaxPayloadBytes int64 = 64 << 10

	// DefaultPlayerCount is how many drivers the lobby waits for.
	DefaultPlayerCount = 2
	// DefaultMaxLaps is the lap count that finishes the race.
	DefaultMaxLaps = 3
	// DefaultCountdown is the pre-start countdown length.
	DefaultCountdown = 3 * time.Second
	// DefaultCheckpoints is the size of the checkpoint ring.
	DefaultCheckpoints = 6

	// DefaultTickRate is the fixed physics rate in hertz.
	DefaultTickRate = 50
	// DefaultStandingsRate throttles standings pushed to observers, in hertz.
	DefaultStandingsRate = 4
	// DefaultInterpolationDelay is the playback delay applied to remote cars.
	DefaultInterpolationDelay = 10 * time.Millisecond
	// DefaultExtrapolationLimit caps how far a stale remote car is projected forward.
	DefaultExtrapolationLimit = 500 * time.Millisecond
	// DefaultConnectionTimeout flags a client as disconnected after this much silence.
	DefaultConnectionTimeout = 5 * time.Second
	// DefaultClientBandwidth is the snapshot budget per websocket client in bytes per second.
	DefaultClientBandwidth = 256 * 1024

	// DefaultReplayDir stores recorded races. Empty disables recording.
	DefaultReplayDir = "replays"
	// DefaultResultsDB is the sqlite file holding finished race results.
	DefaultResultsDB = "results.db"
	// DefaultReplayKeep is how many recorded races survive a retention sweep.
	DefaultReplayKeep = 20

	// DefaultLogLevel controls verbosity for server logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "race-server.log"
	// DefaultLogMaxSizeMB caps a single log file before rotation.
	DefaultLogMaxSizeMB = 50
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 5
	// DefaultLogMaxAgeDays controls how long rotated log files are kept.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for the race server.
type Config struct {
	Address         string
	GRPCAddress     string
	GRPCSecret      string
	AllowedOrigins  []string
	MaxPayloadBytes int64
	PingInterval    time.Duration
	AdminToken      string
	RacerSecret     string

	Race    RaceConfig
	Sync    SyncConfig
	Storage StorageConfig
	Notify  NotifyConfig
	Logging LoggingConfig
}

// RaceConfig holds the rules of a single race session.
type RaceConfig struct {
	PlayerCount       int
	MaxLaps           int
	ClassificationLap bool
	Countdown         time.Duration
	Checkpoints       int
	CircuitPath       string
	TickRate          int
	StandingsRate     int
	ShutdownOnResults bool
}

// SyncConfig tunes remote-car smoothing and connection monitoring on clients.
type SyncConfig struct {
	InterpolationDelay time.Duration
	ExtrapolationLimit time.Duration
	ConnectionTimeout  time.Duration
	ClientBandwidth    int
}

// StorageConfig locates replay recordings and the results database.
type StorageConfig struct {
	ReplayDir  string
	ReplayKeep int
	ResultsDB  string
}

// NotifyConfig enables the race finished notification.
type NotifyConfig struct {
	TelegramToken string
	TelegramChats []int64
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the server configuration from RACE_* environment variables, applying
// defaults and returning every invalid override in a single error.
func Load() (*Config, error) {
	cfg := &Config{
		Address:         getString("RACE_ADDR", DefaultAddr),
		GRPCAddress:     getRaw("RACE_GRPC_ADDR", DefaultGRPCAddr),
		GRPCSecret:      strings.TrimSpace(os.Getenv("RACE_GRPC_SECRET")),
		AllowedOrigins:  parseList(os.Getenv("RACE_ALLOWED_ORIGINS")),
		MaxPayloadBytes: DefaultMaxPayloadBytes,
		PingInterval:    DefaultPingInterval,
		AdminToken:      strings.TrimSpace(os.Getenv("RACE_ADMIN_TOKEN")),
		RacerSecret:     strings.TrimSpace(os.Getenv("RACE_RACER_SECRET")),
		Race: RaceConfig{
			PlayerCount:   DefaultPlayerCount,
			MaxLaps:       DefaultMaxLaps,
			Countdown:     DefaultCountdown,
			Checkpoints:   DefaultCheckpoints,
			CircuitPath:   strings.TrimSpace(os.Getenv("RACE_CIRCUIT_FILE")),
			TickRate:      DefaultTickRate,
			StandingsRate: DefaultStandingsRate,
		},
		Sync: SyncConfig{
			InterpolationDelay: DefaultInterpolationDelay,
			ExtrapolationLimit: DefaultExtrapolationLimit,
			ConnectionTimeout:  DefaultConnectionTimeout,
			ClientBandwidth:    DefaultClientBandwidth,
		},
		Storage: StorageConfig{
			ReplayDir:  getRaw("RACE_REPLAY_DIR", DefaultReplayDir),
			ReplayKeep: DefaultReplayKeep,
			ResultsDB:  getRaw("RACE_RESULTS_DB", DefaultResultsDB),
		},
		Notify: NotifyConfig{
			TelegramToken: strings.TrimSpace(os.Getenv("RACE_TELEGRAM_TOKEN")),
		},
		Logging: LoggingConfig{
			Level:      getString("RACE_LOG_LEVEL", DefaultLogLevel),
			Path:       getString("RACE_LOG_PATH", DefaultLogPath),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string
	report := func(msg string) { problems = append(problems, msg) }

	positiveInt64("RACE_MAX_PAYLOAD_BYTES", &cfg.MaxPayloadBytes, report)
	positiveDuration("RACE_PING_INTERVAL", &cfg.PingInterval, report)

	positiveInt("RACE_PLAYER_COUNT", &cfg.Race.PlayerCount, report)
	positiveInt("RACE_MAX_LAPS", &cfg.Race.MaxLaps, report)
	boolean("RACE_CLASSIFICATION_LAP", &cfg.Race.ClassificationLap, report)
	positiveDuration("RACE_COUNTDOWN", &cfg.Race.Countdown, report)
	positiveInt("RACE_CHECKPOINTS", &cfg.Race.Checkpoints, report)
	positiveInt("RACE_TICK_RATE", &cfg.Race.TickRate, report)
	positiveInt("RACE_STANDINGS_RATE", &cfg.Race.StandingsRate, report)
	boolean("RACE_SHUTDOWN_ON_RESULTS", &cfg.Race.ShutdownOnResults, report)

	nonNegativeDuration("RACE_INTERPOLATION_DELAY", &cfg.Sync.InterpolationDelay, report)
	positiveDuration("RACE_EXTRAPOLATION_LIMIT", &cfg.Sync.ExtrapolationLimit, report)
	positiveDuration("RACE_CONNECTION_TIMEOUT", &cfg.Sync.ConnectionTimeout, report)
	positiveInt("RACE_CLIENT_BANDWIDTH", &cfg.Sync.ClientBandwidth, report)

	nonNegativeInt("RACE_REPLAY_KEEP", &cfg.Storage.ReplayKeep, report)

	positiveInt("RACE_LOG_MAX_SIZE_MB", &cfg.Logging.MaxSizeMB, report)
	nonNegativeInt("RACE_LOG_MAX_BACKUPS", &cfg.Logging.MaxBackups, report)
	nonNegativeInt("RACE_LOG_MAX_AGE_DAYS", &cfg.Logging.MaxAgeDays, report)
	boolean("RACE_LOG_COMPRESS", &cfg.Logging.Compress, report)

	if cfg.Race.Checkpoints < 3 {
		report(fmt.Sprintf("RACE_CHECKPOINTS must be at least 3, got %d", cfg.Race.Checkpoints))
	}

	for _, raw := range parseList(os.Getenv("RACE_TELEGRAM_CHATS")) {
		chat, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			report(fmt.Sprintf("RACE_TELEGRAM_CHATS must list integer chat ids, got %q", raw))
			continue
		}
		cfg.Notify.TelegramChats = append(cfg.Notify.TelegramChats, chat)
	}
	if len(cfg.Notify.TelegramChats) > 0 && cfg.Notify.TelegramToken == "" {
		report("RACE_TELEGRAM_CHATS requires RACE_TELEGRAM_TOKEN")
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

// getRaw distinguishes an explicitly empty variable (feature off) from an unset one.
func getRaw(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return strings.TrimSpace(value)
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}

func positiveInt(key string, dst *int, report func(string)) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		report(fmt.Sprintf("%s must be a positive integer, got %q", key, raw))
		return
	}
	*dst = value
}

func nonNegativeInt(key string, dst *int, report func(string)) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		report(fmt.Sprintf("%s must be a non-negative integer, got %q", key, raw))
		return
	}
	*dst = value
}

func positiveInt64(key string, dst *int64, report func(string)) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value <= 0 {
		report(fmt.Sprintf("%s must be a positive integer, got %q", key, raw))
		return
	}
	*dst = value
}

func positiveDuration(key string, dst *time.Duration, report func(string)) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := time.ParseDuration(raw)
	if err != nil || value <= 0 {
		report(fmt.Sprintf("%s must be a positive duration, got %q", key, raw))
		return
	}
	*dst = value
}

func nonNegativeDuration(key string, dst *time.Duration, report func(string)) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := time.ParseDuration(raw)
	if err != nil || value < 0 {
		report(fmt.Sprintf("%s must be a non-negative duration, got %q", key, raw))
		return
	}
	*dst = value
}

func boolean(key string, dst *bool, report func(string)) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		report(fmt.Sprintf("%s must be a boolean value, got %q", key, raw))
		return
	}
	*dst = value
}
