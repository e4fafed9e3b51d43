package logger

import (
	"path/filepath"
)

const (
	defaultLogFilename = "flare.log"
	defaultMinLevel    = "info"

	// Rolling defaults: 1 MB per file, 5 files kept, no age cutoff.
	rollingMaxSizeMB  = 1
	rollingMaxBackups = 5
	rollingMaxAgeDays = 0
)

// Config selects the sinks of a logger. A nil sink config disables that sink.
type Config struct {
	ConsoleConfig *ConsoleConfig
	FileConfig    *FileConfig
	RollingConfig *RollingConfig

	MinLevel string // debug | info | warn | error | fatal
}

// ConsoleConfig writes to stderr, colorized when stderr is a terminal.
type ConsoleConfig struct {
	noColor bool
	asJSON  bool
}

// FileConfig appends to a single file that nothing ever truncates or rotates.
type FileConfig struct {
	Dirname  string
	Filename string
}

func (fc *FileConfig) Fullpath() string {
	return filepath.Join(fc.Dirname, fc.Filename)
}

// RollingConfig appends to a file that lumberjack rotates by size.
type RollingConfig struct {
	Dirname  string
	Filename string

	maxSize    int // megabytes
	maxBackups int // files
	maxAge     int // days
}

var defaultConfig = Config{
	ConsoleConfig: &ConsoleConfig{},
	FileConfig:    &FileConfig{Filename: defaultLogFilename},
	RollingConfig: &RollingConfig{
		Filename:   defaultLogFilename,
		maxSize:    rollingMaxSizeMB,
		maxBackups: rollingMaxBackups,
		maxAge:     rollingMaxAgeDays,
	},
	MinLevel: defaultMinLevel,
}

// CreateConfig combines the CLI-level logging choices into a Config. A
// single-file path wins over a rolling directory when both are given.
func CreateConfig(minLevel string, disableTerminal bool, formatJSON bool, rollingLogPath, nonRollingLogFilePath string) *Config {
	cfg := Config{MinLevel: minLevel}
	if cfg.MinLevel == "" {
		cfg.MinLevel = defaultConfig.MinLevel
	}
	if !disableTerminal {
		cfg.ConsoleConfig = &ConsoleConfig{asJSON: formatJSON}
	}
	switch {
	case nonRollingLogFilePath != "":
		dirname, filename := filepath.Split(nonRollingLogFilePath)
		cfg.FileConfig = &FileConfig{Dirname: dirname, Filename: filename}
	case rollingLogPath != "":
		rolling := *defaultConfig.RollingConfig
		rolling.Dirname = rollingLogPath
		cfg.RollingConfig = &rolling
	}
	return &cfg
}
