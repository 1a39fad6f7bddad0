// Package config provides application configuration management with support for environment variables, command-line flags, and .env files.
package config

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Config holds the application configuration.
type Config struct {
	App      AppConfig
	Logger   LoggerConfig
	Data     DataConfig
	Server   ServerConfig
	Kosync   KosyncServerConfig
	Sync     SyncConfig
	Clients  ClientsConfig
	Jobs     JobsConfig
	Library  LibraryConfig
	Suggest  SuggestConfig
}

// AppConfig holds application-level configuration.
type AppConfig struct {
	Environment string `validate:"required,oneof=development staging production"`
}

// LoggerConfig holds logging configuration.
type LoggerConfig struct {
	Level string `validate:"oneof=debug info warn error"`
	File  string // optional rotated log file
}

// DataConfig holds on-disk storage locations.
type DataConfig struct {
	// BasePath is the root data directory. The sqlite database, badger
	// stores, alignment maps, and transcript chunks live under it.
	BasePath string `validate:"required"`
}

// DatabasePath returns the sqlite database file path.
func (d DataConfig) DatabasePath() string {
	return filepath.Join(d.BasePath, "bridge.db")
}

// BadgerPath returns the badger document store directory.
func (d DataConfig) BadgerPath() string {
	return filepath.Join(d.BasePath, "docs")
}

// AlignmentPath returns the directory holding alignment map artifacts.
func (d DataConfig) AlignmentPath() string {
	return filepath.Join(d.BasePath, "alignments")
}

// TranscriptPath returns the directory holding transcript chunk files.
func (d DataConfig) TranscriptPath() string {
	return filepath.Join(d.BasePath, "transcripts")
}

// AudioCachePath returns the scratch directory for downloaded audio.
func (d DataConfig) AudioCachePath() string {
	return filepath.Join(d.BasePath, "audio_cache")
}

// EpubCachePath returns the directory holding downloaded epub copies.
func (d DataConfig) EpubCachePath() string {
	return filepath.Join(d.BasePath, "epub_cache")
}

// SearchIndexPath returns the bleve index directory for the ebook library.
func (d DataConfig) SearchIndexPath() string {
	return filepath.Join(d.BasePath, "search.bleve")
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Name          string        `validate:"required"`
	Port          string        `validate:"numeric"` // admin API port (default: 8080)
	KosyncPort    string        `validate:"numeric"` // KoReader sync protocol port (default: 8081)
	ReadTimeout   time.Duration // HTTP read timeout (default: 15s)
	WriteTimeout  time.Duration // HTTP write timeout (default: 15s)
	IdleTimeout   time.Duration // HTTP idle timeout (default: 60s)
	AdvertiseMDNS bool          // Advertise via mDNS/Zeroconf (default: false)
}

// SyncConfig holds the knobs governing sync cycles.
type SyncConfig struct {
	Period          time.Duration `validate:"min=1m"` // full-cycle tick (default: 5m)
	Debounce        time.Duration // push-trigger debounce window (default: 30s)
	SuppressTTL     time.Duration `validate:"gt=0"` // echo-suppression window (default: 60s)
	CycleTimeout    time.Duration // hard deadline per sync cycle (default: 120s)
	MinDeltaPct     float64       // fraction, below which a move is noise (default: 0.0005)
	MinDeltaSeconds float64       // audio seconds (default: 30)
	MinDeltaChars   int           // ebook characters (default: 2000)
	BetweenClients  float64       // leader-to-follower spread gate (default: 0.005)
	RegressionPct   float64       // backward moves under this are dropped (default: 0.005)
	MaxFailures     int           `validate:"min=1"` // consecutive cycle failures before parking (default: 3)
	Workers         int           `validate:"min=1"` // parallel sync cycles (default: NumCPU)
	DryRun          bool          // log writes instead of performing them
}

// ClientsConfig holds per-service connection settings.
type ClientsConfig struct {
	ABS         ABSConfig
	KoSync      KoSyncConfig
	Storyteller StorytellerConfig
	Booklore    BookloreConfig
	Hardcover   HardcoverConfig
}

// ABSConfig configures the Audiobookshelf connection.
type ABSConfig struct {
	URL    string `validate:"omitempty,http_url"`
	Token  string
	UserID string
}

// Configured reports whether the client has enough settings to operate.
func (c ABSConfig) Configured() bool { return c.URL != "" && c.Token != "" }

// KoSyncConfig configures the KoReader position sync endpoint. When URL is
// empty the bridge serves the protocol itself on ServerConfig.KosyncPort.
type KoSyncConfig struct {
	URL      string `validate:"omitempty,http_url"`
	Username string
	Password string
}

// Configured reports whether an external kosync server is in use.
func (c KoSyncConfig) Configured() bool { return c.URL != "" }

// KosyncServerConfig tunes the built-in KoReader sync endpoint.
type KosyncServerConfig struct {
	FurthestWins bool    // reject position updates behind the stored one (default: true)
	RateRPS      float64 // per-IP request budget (default: 5)
	RateBurst    int     // per-IP burst allowance (default: 10)
}

// PollConfig selects how changes on a client are detected: "global"
// leaves it to the periodic full cycle, "custom" runs a dedicated poller
// at its own interval.
type PollConfig struct {
	Mode     string `validate:"omitempty,oneof=global custom"`
	Interval time.Duration
}

// Custom reports whether a dedicated poller should run.
func (p PollConfig) Custom() bool { return p.Mode == "custom" }

// StorytellerConfig configures the Storyteller connection.
type StorytellerConfig struct {
	URL   string `validate:"omitempty,http_url"`
	Token string
	Poll  PollConfig
}

// Configured reports whether the client has enough settings to operate.
func (c StorytellerConfig) Configured() bool { return c.URL != "" && c.Token != "" }

// BookloreConfig configures the Booklore connection.
type BookloreConfig struct {
	URL      string `validate:"omitempty,http_url"`
	Username string
	Password string
	Poll     PollConfig
}

// Configured reports whether the client has enough settings to operate.
func (c BookloreConfig) Configured() bool {
	return c.URL != "" && c.Username != "" && c.Password != ""
}

// HardcoverConfig configures the Hardcover GraphQL connection.
type HardcoverConfig struct {
	Token string
}

// Configured reports whether the client has enough settings to operate.
func (c HardcoverConfig) Configured() bool { return c.Token != "" }

// JobsConfig holds transcription job settings.
type JobsConfig struct {
	WhisperURL    string        `validate:"omitempty,http_url"` // OpenAI-compatible transcription endpoint
	WhisperModel  string        // model name passed to the endpoint
	ChunkDuration time.Duration // audio chunk length (default: 45m)
	MaxRetries    int           // per-job retry ceiling (default: 5)
	RetryDelay    time.Duration // wait between retries (default: 15m)
	MaxConcurrent int           // simultaneous transcription jobs (default: 1)
}

// Configured reports whether transcription can run.
func (c JobsConfig) Configured() bool { return c.WhisperURL != "" }

// LibraryConfig holds the local ebook library settings.
type LibraryConfig struct {
	EbookPath string // directory of epub files, watched for changes
}

// SuggestConfig holds mapping-suggestion settings.
type SuggestConfig struct {
	Enabled     bool
	MinProgress float64 `validate:"gte=0,lt=1"`              // suggest only above this fraction (default: 0.01)
	MaxProgress float64 `validate:"lte=1,gtfield=MinProgress"` // and below this one (default: 0.70)
}

// LoadConfig loads configuration from multiple sources with precedence:
// 1. Command-line flags (highest priority).
// 2. Environment variables.
// 3. .env file.
// 4. Default values (lowest priority).
func LoadConfig() (*Config, error) {
	// Define command-line flags.
	env := flag.String("env", "", "Environment (development, staging, production)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	logFile := flag.String("log-file", "", "Optional rotated log file path")
	dataPath := flag.String("data-path", "", "Base path for bridge data storage")
	serverName := flag.String("server-name", "", "Name for the server")

	// Server flags
	serverPort := flag.String("port", "", "Admin API port (default: 8080)")
	kosyncPort := flag.String("kosync-port", "", "KoReader sync port (default: 8081)")
	readTimeout := flag.String("read-timeout", "", "HTTP read timeout (default: 15s)")
	writeTimeout := flag.String("write-timeout", "", "HTTP write timeout (default: 15s)")
	idleTimeout := flag.String("idle-timeout", "", "HTTP idle timeout (default: 60s)")
	advertiseMDNS := flag.String("advertise-mdns", "", "Advertise via mDNS/Zeroconf (default: false)")

	// Sync flags
	syncPeriod := flag.String("sync-period", "", "Full sync cycle period (default: 5m)")
	debounce := flag.String("debounce", "", "Push-trigger debounce window (default: 30s)")
	suppressTTL := flag.String("suppress-ttl", "", "Echo suppression window (default: 60s)")
	dryRun := flag.String("dry-run", "", "Log writes instead of performing them (default: false)")

	// Library flags
	ebookPath := flag.String("ebook-path", "", "Path to the local epub library")

	envFile := flag.String("env-file", ".env", "Path to .env file")

	flag.Parse()

	// Load .env file if it exists (silently ignore if not found).
	_ = loadEnvFile(*envFile)

	// Build config with proper precedence.
	cfg := &Config{
		App: AppConfig{
			Environment: getConfigValue(*env, "ENV", "development"),
		},
		Logger: LoggerConfig{
			Level: getConfigValue(*logLevel, "LOG_LEVEL", "info"),
			File:  getConfigValue(*logFile, "LOG_FILE", ""),
		},
		Data: DataConfig{
			BasePath: getConfigValue(*dataPath, "DATA_PATH", ""),
		},
		Server: ServerConfig{
			Name:          getConfigValue(*serverName, "SERVER_NAME", "ShelfSync"),
			Port:          getConfigValue(*serverPort, "SERVER_PORT", "8080"),
			KosyncPort:    getConfigValue(*kosyncPort, "KOSYNC_PORT", "8081"),
			AdvertiseMDNS: getBoolConfigValue(*advertiseMDNS, "ADVERTISE_MDNS", false),
		},
		Kosync: KosyncServerConfig{
			FurthestWins: getBoolConfigValue("", "KOSYNC_FURTHEST_WINS", true),
			RateRPS:      getFloatConfigValue("", "KOSYNC_RATE_RPS", 5),
			RateBurst:    getIntConfigValue("", "KOSYNC_RATE_BURST", 10),
		},
		Sync: SyncConfig{
			MinDeltaPct:     getFloatConfigValue("", "MIN_DELTA_PCT", 0.0005),
			MinDeltaSeconds: getFloatConfigValue("", "MIN_DELTA_SECONDS", 30),
			MinDeltaChars:   getIntConfigValue("", "MIN_DELTA_CHARS", 2000),
			BetweenClients:  getFloatConfigValue("", "DELTA_BETWEEN_CLIENTS_PCT", 0.005),
			RegressionPct:   getFloatConfigValue("", "REGRESSION_PCT", 0.005),
			MaxFailures:     getIntConfigValue("", "SYNC_MAX_FAILURES", 3),
			Workers:         getIntConfigValue("", "SYNC_WORKERS", runtime.NumCPU()),
			DryRun:          getBoolConfigValue(*dryRun, "DRY_RUN", false),
		},
		Clients: ClientsConfig{
			ABS: ABSConfig{
				URL:    getConfigValue("", "ABS_URL", ""),
				Token:  getConfigValue("", "ABS_TOKEN", ""),
				UserID: getConfigValue("", "ABS_USER_ID", ""),
			},
			KoSync: KoSyncConfig{
				URL:      getConfigValue("", "KOSYNC_URL", ""),
				Username: getConfigValue("", "KOSYNC_USERNAME", ""),
				Password: getConfigValue("", "KOSYNC_PASSWORD", ""),
			},
			Storyteller: StorytellerConfig{
				URL:   getConfigValue("", "STORYTELLER_URL", ""),
				Token: getConfigValue("", "STORYTELLER_TOKEN", ""),
				Poll: PollConfig{
					Mode: getConfigValue("", "STORYTELLER_POLL_MODE", "global"),
				},
			},
			Booklore: BookloreConfig{
				URL:      getConfigValue("", "BOOKLORE_URL", ""),
				Username: getConfigValue("", "BOOKLORE_USERNAME", ""),
				Password: getConfigValue("", "BOOKLORE_PASSWORD", ""),
				Poll: PollConfig{
					Mode: getConfigValue("", "BOOKLORE_POLL_MODE", "global"),
				},
			},
			Hardcover: HardcoverConfig{
				Token: getConfigValue("", "HARDCOVER_TOKEN", ""),
			},
		},
		Jobs: JobsConfig{
			WhisperURL:    getConfigValue("", "WHISPER_URL", ""),
			WhisperModel:  getConfigValue("", "WHISPER_MODEL", "whisper-1"),
			MaxRetries:    getIntConfigValue("", "JOB_MAX_RETRIES", 5),
			MaxConcurrent: getIntConfigValue("", "JOB_MAX_CONCURRENT", 1),
		},
		Library: LibraryConfig{
			EbookPath: getConfigValue(*ebookPath, "EBOOK_PATH", ""),
		},
		Suggest: SuggestConfig{
			Enabled:     getBoolConfigValue("", "SUGGESTIONS_ENABLED", true),
			MinProgress: getFloatConfigValue("", "SUGGEST_MIN_PROGRESS", 0.01),
			MaxProgress: getFloatConfigValue("", "SUGGEST_MAX_PROGRESS", 0.70),
		},
	}

	// Parse durations.
	var err error
	if cfg.Sync.Period, err = parseDurationValue(*syncPeriod, "SYNC_PERIOD", "5m"); err != nil {
		return nil, err
	}
	if cfg.Sync.Debounce, err = parseDurationValue(*debounce, "DEBOUNCE", "30s"); err != nil {
		return nil, err
	}
	if cfg.Sync.SuppressTTL, err = parseDurationValue(*suppressTTL, "SUPPRESS_TTL", "60s"); err != nil {
		return nil, err
	}
	if cfg.Sync.CycleTimeout, err = parseDurationValue("", "SYNC_CYCLE_TIMEOUT", "120s"); err != nil {
		return nil, err
	}
	if cfg.Clients.Storyteller.Poll.Interval, err = parseDurationValue("", "STORYTELLER_POLL_INTERVAL", "5m"); err != nil {
		return nil, err
	}
	if cfg.Clients.Booklore.Poll.Interval, err = parseDurationValue("", "BOOKLORE_POLL_INTERVAL", "5m"); err != nil {
		return nil, err
	}
	if cfg.Jobs.ChunkDuration, err = parseDurationValue("", "JOB_CHUNK_DURATION", "45m"); err != nil {
		return nil, err
	}
	if cfg.Jobs.RetryDelay, err = parseDurationValue("", "JOB_RETRY_DELAY", "15m"); err != nil {
		return nil, err
	}
	if cfg.Server.ReadTimeout, err = parseDurationValue(*readTimeout, "SERVER_READ_TIMEOUT", "15s"); err != nil {
		return nil, err
	}
	if cfg.Server.WriteTimeout, err = parseDurationValue(*writeTimeout, "SERVER_WRITE_TIMEOUT", "15s"); err != nil {
		return nil, err
	}
	if cfg.Server.IdleTimeout, err = parseDurationValue(*idleTimeout, "SERVER_IDLE_TIMEOUT", "60s"); err != nil {
		return nil, err
	}

	// Expand and validate the data path.
	if err := cfg.expandDataPath(); err != nil {
		return nil, fmt.Errorf("invalid data path: %w", err)
	}

	// Expand the ebook library path.
	if err := cfg.expandEbookPath(); err != nil {
		return nil, fmt.Errorf("invalid ebook path: %w", err)
	}

	// Validate configuration.
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required config values are present and valid.
// Constraints live in validate tags on the config structs. Client
// credentials can be empty: unconfigured clients are skipped at runtime
// rather than rejected at startup.
func (c *Config) Validate() error {
	c.Logger.Level = strings.ToLower(c.Logger.Level)

	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	first := verrs[0]
	return fmt.Errorf("invalid configuration: %s failed %q (value %v)",
		first.Namespace(), first.Tag(), first.Value())
}

// expandPath expands ~ and makes the path absolute.
// If path is empty and defaultPath is provided, uses the default.
func expandPath(path, defaultPath string) (string, error) {
	if path == "" {
		return defaultPath, nil
	}

	// Expand tilde.
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}

	// Make absolute if needed.
	if !filepath.IsAbs(path) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return "", fmt.Errorf("failed to get absolute path: %w", err)
		}
		path = absPath
	}

	return filepath.Clean(path), nil
}

// expandDataPath expands ~ and makes the path absolute.
func (c *Config) expandDataPath() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	defaultPath := filepath.Join(homeDir, "ShelfSync", "data")

	expanded, err := expandPath(c.Data.BasePath, defaultPath)
	if err != nil {
		return err
	}
	c.Data.BasePath = expanded
	return nil
}

// expandEbookPath expands ~ and makes the path absolute.
// If empty, leaves it empty; the library features stay dormant.
func (c *Config) expandEbookPath() error {
	if c.Library.EbookPath == "" {
		return nil
	}

	expanded, err := expandPath(c.Library.EbookPath, "")
	if err != nil {
		return err
	}
	c.Library.EbookPath = expanded
	return nil
}

// getConfigValue returns the first non-empty value from flag, env var, or default.
func getConfigValue(flagValue, envKey, defaultValue string) string {
	// Priority 1: Command-line flag.
	if flagValue != "" {
		return flagValue
	}

	// Priority 2: Environment variable.
	if envValue := os.Getenv(envKey); envValue != "" {
		return envValue
	}

	// Priority 3: Default value.
	return defaultValue
}

// getBoolConfigValue returns a bool from flag, env var, or default.
// Accepts: "true", "1", "yes" (case-insensitive) as true; anything else is false.
func getBoolConfigValue(flagValue, envKey string, defaultValue bool) bool {
	strValue := getConfigValue(flagValue, envKey, "")
	if strValue == "" {
		return defaultValue
	}
	strValue = strings.ToLower(strValue)
	return strValue == "true" || strValue == "1" || strValue == "yes"
}

// getIntConfigValue returns an int from flag, env var, or default.
func getIntConfigValue(flagValue, envKey string, defaultValue int) int {
	strValue := getConfigValue(flagValue, envKey, "")
	if strValue == "" {
		return defaultValue
	}
	var result int
	if _, err := fmt.Sscanf(strValue, "%d", &result); err != nil {
		return defaultValue
	}
	return result
}

// getFloatConfigValue returns a float64 from flag, env var, or default.
func getFloatConfigValue(flagValue, envKey string, defaultValue float64) float64 {
	strValue := getConfigValue(flagValue, envKey, "")
	if strValue == "" {
		return defaultValue
	}
	var result float64
	if _, err := fmt.Sscanf(strValue, "%g", &result); err != nil {
		return defaultValue
	}
	return result
}

// parseDurationValue resolves a duration with flag/env/default precedence.
func parseDurationValue(flagValue, envKey, defaultValue string) (time.Duration, error) {
	str := getConfigValue(flagValue, envKey, defaultValue)
	d, err := time.ParseDuration(str)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", strings.ToLower(strings.ReplaceAll(envKey, "_", " ")), str, err)
	}
	return d, nil
}

// loadEnvFile loads environment variables from a .env file.
// Format: KEY=value (one per line, # for comments).
func loadEnvFile(path string) error {
	file, err := os.Open(path) //#nosec G304 -- Config file path from user input is expected
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments.
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse KEY=value.
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid format at line %d: %s", lineNum, line)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Remove quotes if present.
		value = strings.Trim(value, `"'`)

		// Only set if not already set (env vars take precedence over .env file).
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("failed to set env var %s: %w", key, err)
			}
		}
	}

	return scanner.Err()
}
