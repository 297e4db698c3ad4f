package telemetry

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a zerolog.Logger that knows the playbook, host and command field
// names used across froyoplay logs.
type Logger struct {
	zlog   zerolog.Logger
	closer io.Closer
}

// NewLogger opens the destination named by cfg.Output. Anything other than
// stdout or stderr is a file path, appended to.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	switch cfg.Output {
	case "", "stderr":
		return newLogger(os.Stderr, cfg, nil), nil
	case "stdout":
		return newLogger(os.Stdout, cfg, nil), nil
	}
	f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return newLogger(f, cfg, f), nil
}

// NewLoggerTo writes to w and never closes it.
func NewLoggerTo(w io.Writer, cfg LoggingConfig) *Logger {
	return newLogger(w, cfg, nil)
}

func nopLogger() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

func newLogger(w io.Writer, cfg LoggingConfig, closer io.Closer) *Logger {
	zerolog.TimeFieldFormat = timeFieldFormat(cfg.TimeFormat)
	if cfg.Format == "console" {
		consoleTime := time.RFC3339
		if cfg.TimeFormat == "unix" {
			consoleTime = "unix"
		}
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTime}
	}

	ctx := zerolog.New(w).With().Timestamp()
	if cfg.EnableCaller {
		ctx = ctx.Caller()
	}
	zlog := ctx.Logger().Level(ParseLevel(cfg.Level))
	if cfg.EnableSampling {
		zlog = zlog.Sample(&zerolog.BurstSampler{
			Burst:       uint32(cfg.SamplingInitial),
			Period:      time.Second,
			NextSampler: &zerolog.BasicSampler{N: uint32(cfg.SamplingThereafter)},
		})
	}
	return &Logger{zlog: zlog, closer: closer}
}

func timeFieldFormat(name string) string {
	switch name {
	case "unix":
		return zerolog.TimeFormatUnix
	case "unixms":
		return zerolog.TimeFormatUnixMs
	case "unixmicro":
		return zerolog.TimeFormatUnixMicro
	default:
		return time.RFC3339
	}
}

// ParseLevel maps a level name to zerolog, falling back to info.
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// Zerolog exposes the underlying logger for packages that take one by value.
func (l *Logger) Zerolog() zerolog.Logger { return l.zlog }

// Close closes the log file when NewLogger opened one.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func (l *Logger) with(key, value string) *Logger {
	return &Logger{zlog: l.zlog.With().Str(key, value).Logger()}
}

func (l *Logger) NewComponentLogger(component string) *Logger { return l.with("component", component) }
func (l *Logger) WithPlaybookID(id string) *Logger            { return l.with("playbook_id", id) }
func (l *Logger) WithHost(host string) *Logger                { return l.with("host", host) }
func (l *Logger) WithCommandID(id string) *Logger             { return l.with("command_id", id) }

func (l *Logger) WithError(err error) *Logger {
	return &Logger{zlog: l.zlog.With().Err(err).Logger()}
}

func (l *Logger) Debug(msg string)                  { l.zlog.Debug().Msg(msg) }
func (l *Logger) Debugf(format string, args ...any) { l.zlog.Debug().Msgf(format, args...) }
func (l *Logger) Info(msg string)                   { l.zlog.Info().Msg(msg) }
func (l *Logger) Warn(msg string)                   { l.zlog.Warn().Msg(msg) }
func (l *Logger) Warnf(format string, args ...any)  { l.zlog.Warn().Msgf(format, args...) }
