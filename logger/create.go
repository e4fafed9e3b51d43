// Package logger builds the zerolog loggers the rest of the codebase
// writes to: console, a single file, a rotated directory, or any mix.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/rs/zerolog"
	fallbacklog "github.com/rs/zerolog/log"
	cli "github.com/urfave/cli/v2"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	EnableTerminalLog  = false
	DisableTerminalLog = true

	LogLevelFlag     = "loglevel"
	LogFileFlag      = "logfile"
	LogDirectoryFlag = "log-directory"
	LogFormatFlag    = "log-format"

	LogFormatJSON = "json"

	dirPermMode  = 0744 // rwxr--r--
	filePermMode = 0644 // rw-r--r--

	consoleTimeFormat = time.RFC3339
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }
}

// CreateLoggerFromContext builds a logger out of the logging flags of c.
// Setup problems are reported on the logger itself instead of failing the
// command; a half-configured logger beats none at all.
func CreateLoggerFromContext(c *cli.Context, disableTerminal bool) *zerolog.Logger {
	logFile := c.String(LogFileFlag)
	logDirectory := c.String(LogDirectoryFlag)

	log := Create(CreateConfig(
		c.String(LogLevelFlag),
		disableTerminal,
		c.String(LogFormatFlag) == LogFormatJSON,
		logDirectory,
		logFile,
	))
	if logFile != "" && logDirectory != "" {
		log.Error().Msgf("--%s and --%s are mutually exclusive, --%s wins", LogFileFlag, LogDirectoryFlag, LogFileFlag)
	}
	return log
}

// Create builds a logger per loggerConfig. nil means the default console
// logger at the default level.
func Create(loggerConfig *Config) *zerolog.Logger {
	if loggerConfig == nil {
		loggerConfig = &Config{
			ConsoleConfig: defaultConfig.ConsoleConfig,
			MinLevel:      defaultConfig.MinLevel,
		}
	}
	return newZerolog(loggerConfig)
}

var levelErrorOnce sync.Once

func newZerolog(loggerConfig *Config) *zerolog.Logger {
	level, levelErr := zerolog.ParseLevel(loggerConfig.MinLevel)
	if levelErr != nil {
		level = zerolog.InfoLevel
	}

	var writers []io.Writer
	if loggerConfig.ConsoleConfig != nil {
		writers = append(writers, createConsoleLogger(*loggerConfig.ConsoleConfig))
	}
	if loggerConfig.FileConfig != nil {
		file, err := createFileWriter(*loggerConfig.FileConfig)
		if err != nil {
			return fallbackLogger(err)
		}
		writers = append(writers, file)
	}
	if loggerConfig.RollingConfig != nil {
		rolling, err := createRollingLogger(*loggerConfig.RollingConfig)
		if err != nil {
			return fallbackLogger(err)
		}
		writers = append(writers, rolling)
	}

	log := zerolog.New(resilientMultiWriter{level, writers}).With().Timestamp().Logger()
	if levelErr != nil {
		levelErrorOnce.Do(func() {
			log.Error().Msgf("Unknown log level %q, using %q", loggerConfig.MinLevel, level)
		})
	}
	return &log
}

// fallbackLogger is handed out when a configured sink cannot be opened, so
// that the failure itself has somewhere to be reported.
func fallbackLogger(err error) *zerolog.Logger {
	failLog := fallbacklog.With().Logger()
	fallbacklog.Error().Msgf("Falling back to the default logger: %s", err)
	return &failLog
}

// resilientMultiWriter fans an event out to every sink and swallows their
// errors. When a service manager closes stderr the console writer starts
// failing, which must not stop the file sinks from logging.
type resilientMultiWriter struct {
	level   zerolog.Level
	writers []io.Writer
}

func (mw resilientMultiWriter) Write(p []byte) (int, error) {
	for _, w := range mw.writers {
		_, _ = w.Write(p)
	}
	return len(p), nil
}

func (mw resilientMultiWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if mw.level <= level {
		for _, w := range mw.writers {
			_, _ = w.Write(p)
		}
	}
	return len(p), nil
}

func createConsoleLogger(config ConsoleConfig) io.Writer {
	if config.asJSON {
		return &consoleWriter{out: os.Stderr}
	}
	return zerolog.ConsoleWriter{
		Out:        colorable.NewColorable(os.Stderr),
		NoColor:    config.noColor || !term.IsTerminal(int(os.Stderr.Fd())),
		TimeFormat: consoleTimeFormat,
	}
}

// File sinks are process-wide: asking twice for the same kind of sink must
// reuse the writer instead of opening the file again.
var (
	singleFileSink   sharedSink
	rotatingFileSink sharedSink
)

type sharedSink struct {
	once   sync.Once
	writer io.Writer
	err    error
}

func (s *sharedSink) get(open func() (io.Writer, error)) (io.Writer, error) {
	s.once.Do(func() {
		s.writer, s.err = open()
	})
	return s.writer, s.err
}

func createFileWriter(config FileConfig) (io.Writer, error) {
	return singleFileSink.get(func() (io.Writer, error) {
		// Append to the existing file when there is one.
		if file, err := os.OpenFile(config.Fullpath(), os.O_APPEND|os.O_WRONLY, filePermMode); err == nil {
			return file, nil
		}
		if config.Dirname != "" {
			if err := os.MkdirAll(config.Dirname, dirPermMode); err != nil {
				return nil, fmt.Errorf("unable to create directories for new logfile: %s", err)
			}
		}
		file, err := os.OpenFile(config.Fullpath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, os.FileMode(filePermMode))
		if err != nil {
			return nil, fmt.Errorf("unable to create a new logfile: %s", err)
		}
		return file, nil
	})
}

func createRollingLogger(config RollingConfig) (io.Writer, error) {
	return rotatingFileSink.get(func() (io.Writer, error) {
		if err := os.MkdirAll(config.Dirname, dirPermMode); err != nil {
			return nil, err
		}
		return &lumberjack.Logger{
			Filename:   filepath.Join(config.Dirname, config.Filename),
			MaxBackups: config.maxBackups,
			MaxSize:    config.maxSize,
			MaxAge:     config.maxAge,
		}, nil
	})
}
