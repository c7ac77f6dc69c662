package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const masterKeyEnv = "EVERMAIL_MASTER_KEY"

// Config captures all command-line options shared by the ingestion commands.
type Config struct {
	DBPath       string
	BlobRoot     string
	TempDir      string
	PlanLimitGB  float64
	BatchSize    int
	Concurrency  int
	Drain        bool
	PollInterval time.Duration
	LogLevel     string
	LogDir       string
	MasterKey    []byte
}

// PlanMaxBytes converts the plan limit to bytes. Zero means unlimited.
func (c Config) PlanMaxBytes() int64 {
	if c.PlanLimitGB <= 0 {
		return 0
	}
	return int64(c.PlanLimitGB * 1024 * 1024 * 1024)
}

// RegisterFlags attaches the shared CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	defaultDataDir, err := defaultDataDir()
	if err != nil {
		return err
	}

	flags := cmd.PersistentFlags()
	flags.String("db", filepath.Join(defaultDataDir, "evermail.db"), "Path to the sqlite database")
	flags.String("blob-root", filepath.Join(defaultDataDir, "blobs"), "Root directory of the blob store")
	flags.String("temp-dir", "", "Directory for temporary conversion files (defaults to the OS temp dir)")
	flags.Float64("plan-limit-gb", 0, "Plan size limit in GB applied to normalized archives (0 = unlimited)")
	flags.Int("batch-size", 500, "Messages persisted per batch")
	flags.Int("concurrency", 1, "Jobs processed in parallel by the worker")
	flags.Bool("drain", false, "Stop the worker once the queue is empty")
	flags.Duration("poll-interval", 2*time.Second, "How often the worker polls for queued jobs")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for log files (stdout only when empty)")
	flags.String("master-key", "", fmt.Sprintf("Hex-encoded 32-byte master key for key wrapping (falls back to %s env var)", masterKeyEnv))

	return nil
}

// LoadConfig converts the parsed Cobra flags into a Config struct with validation.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()

	dbPath, err := flags.GetString("db")
	if err != nil {
		return Config{}, err
	}
	blobRoot, err := flags.GetString("blob-root")
	if err != nil {
		return Config{}, err
	}
	tempDir, err := flags.GetString("temp-dir")
	if err != nil {
		return Config{}, err
	}
	planLimitGB, err := flags.GetFloat64("plan-limit-gb")
	if err != nil {
		return Config{}, err
	}
	batchSize, err := flags.GetInt("batch-size")
	if err != nil {
		return Config{}, err
	}
	concurrency, err := flags.GetInt("concurrency")
	if err != nil {
		return Config{}, err
	}
	drain, err := flags.GetBool("drain")
	if err != nil {
		return Config{}, err
	}
	pollInterval, err := flags.GetDuration("poll-interval")
	if err != nil {
		return Config{}, err
	}
	logLevel, err := flags.GetString("log-level")
	if err != nil {
		return Config{}, err
	}
	logDir, err := flags.GetString("log-dir")
	if err != nil {
		return Config{}, err
	}
	masterKeyHex, err := flags.GetString("master-key")
	if err != nil {
		return Config{}, err
	}

	if masterKeyHex == "" {
		masterKeyHex = os.Getenv(masterKeyEnv)
	}
	var masterKey []byte
	if masterKeyHex != "" {
		masterKey, err = hex.DecodeString(strings.TrimSpace(masterKeyHex))
		if err != nil {
			return Config{}, fmt.Errorf("master key is not valid hex: %w", err)
		}
	}

	logLevel = strings.ToLower(logLevel)
	if logLevel == "warning" {
		logLevel = "warn"
	}

	cfg := Config{
		DBPath:       filepath.Clean(dbPath),
		BlobRoot:     filepath.Clean(blobRoot),
		TempDir:      tempDir,
		PlanLimitGB:  planLimitGB,
		BatchSize:    batchSize,
		Concurrency:  concurrency,
		Drain:        drain,
		PollInterval: pollInterval,
		LogLevel:     logLevel,
		LogDir:       logDir,
		MasterKey:    masterKey,
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validateConfig(cfg Config) error {
	if cfg.DBPath == "" {
		return fmt.Errorf("--db is required")
	}
	if cfg.BlobRoot == "" {
		return fmt.Errorf("--blob-root is required")
	}
	if cfg.BatchSize <= 0 {
		return fmt.Errorf("--batch-size must be positive")
	}
	if cfg.Concurrency <= 0 {
		return fmt.Errorf("--concurrency must be positive")
	}
	if cfg.PlanLimitGB < 0 {
		return fmt.Errorf("--plan-limit-gb must not be negative")
	}
	if len(cfg.MasterKey) == 0 {
		return fmt.Errorf("master key must be provided via --master-key or %s env var", masterKeyEnv)
	}
	if len(cfg.MasterKey) != 32 {
		return fmt.Errorf("master key must be 32 bytes, got %d", len(cfg.MasterKey))
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}

func defaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".evermail-ingest"), nil
}
