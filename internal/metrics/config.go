package metrics

import (
	"codeberg.org/mutker/actlog/internal/errors"
)

const (
	// File system permissions and paths
	defaultDirPerm      = 0o755
	defaultDBPath       = "activity_log.db"
	defaultBatchSize    = 30
	defaultBatchTimeout = 10
	defaultMaxBuffered  = 600
	backupDirName       = "backups"
)

type Config struct {
	DBPath  string
	Enabled bool
	// BatchSize rows are buffered before a write; 0 writes every row.
	BatchSize int
	// BatchTimeout is the longest a buffered row waits, in seconds.
	BatchTimeout int
	// MaxBuffered bounds rows kept while writes fail; the oldest go first.
	// 0 uses the default.
	MaxBuffered int
}

func DefaultConfig() Config {
	return Config{
		DBPath:       defaultDBPath,
		Enabled:      false, // Disabled by default
		BatchSize:    defaultBatchSize,
		BatchTimeout: defaultBatchTimeout,
		MaxBuffered:  defaultMaxBuffered,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	// Only validate DBPath if the mirror is enabled
	if c.Enabled && c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	if c.BatchSize < 0 || c.BatchTimeout < 0 || c.MaxBuffered < 0 {
		return errFactory.WithData(ErrInvalidConfig, "batch settings must not be negative")
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
