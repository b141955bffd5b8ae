// Package logging wraps zap for the supervisor's single mutation thread
// and its auxiliary goroutines: JSON or console encoding, optional file
// rotation via lumberjack, and an async core so a burst of Warn calls from
// a flaky engine never blocks whichever goroutine is logging them.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	defaultLogger *Logger
	initOnce      sync.Once
)

// Config controls encoding, destination, rotation and async buffering.
type Config struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // "json" or "console"
	Output     string `yaml:"output"` // "stdout", "stderr", or a file path
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
	Async      bool   `yaml:"async"`
	BufferSize int    `yaml:"buffer_size"`
}

// DefaultConfig is what a supervisor with no explicit logging block gets.
func DefaultConfig() Config {
	return Config{
		Level: "info", Format: "console", Output: "stdout",
		MaxSize: 100, MaxBackups: 5, MaxAge: 30, Compress: true,
		BufferSize: 1000,
	}
}

// Logger is the supervisor's structured logger. The zero value is not
// usable; construct with New or NewDefault. The level is atomic so a
// config hot-reload can raise or lower verbosity on a running logger.
type Logger struct {
	zap    *zap.Logger
	level  zap.AtomicLevel
	async  bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Logger from cfg.
func New(cfg Config) (*Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}

	ec := zapcore.EncoderConfig{
		TimeKey: "ts", LevelKey: "level", NameKey: "logger", CallerKey: "caller",
		FunctionKey: zapcore.OmitKey, MessageKey: "msg", StacktraceKey: "stack",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	switch strings.ToLower(cfg.Format) {
	case "", "console":
		encoder = zapcore.NewConsoleEncoder(ec)
	case "json":
		encoder = zapcore.NewJSONEncoder(ec)
	default:
		return nil, fmt.Errorf("logging: unknown format %q", cfg.Format)
	}

	ws, err := writeSyncer(cfg)
	if err != nil {
		return nil, err
	}

	atomic := zap.NewAtomicLevelAt(level)
	core := zapcore.NewCore(encoder, ws, atomic)
	l := &Logger{level: atomic, async: cfg.Async, stopCh: make(chan struct{})}
	if cfg.Async {
		bufSize := cfg.BufferSize
		if bufSize <= 0 {
			bufSize = 1000
		}
		core = &asyncCore{Core: core, bufferSize: bufSize, stopCh: l.stopCh, wg: &l.wg}
	}

	l.zap = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	return l, nil
}

// NewDefault returns a Logger that cannot fail to construct, falling back
// to zap's production preset if DefaultConfig somehow doesn't parse.
func NewDefault() *Logger {
	l, err := New(DefaultConfig())
	if err != nil {
		z, _ := zap.NewProduction()
		return &Logger{zap: z, level: zap.NewAtomicLevel(), stopCh: make(chan struct{})}
	}
	return l
}

// SetDefault installs l as the package-level logger returned by Default
// and used by the bare Info/Warn/Error/Fatal functions.
func SetDefault(l *Logger) { defaultLogger = l }

// Default returns the package-level logger, lazily constructing one with
// NewDefault if SetDefault was never called.
func Default() *Logger {
	initOnce.Do(func() {
		if defaultLogger == nil {
			defaultLogger = NewDefault()
		}
	})
	return defaultLogger
}

// Sync flushes any buffered entries. Call once during shutdown.
func (l *Logger) Sync() error {
	if l.async {
		close(l.stopCh)
		l.wg.Wait()
	}
	return l.zap.Sync()
}

// SetLevel changes the logging level of a running logger and every child
// created from it. An unknown level is rejected and the current level is
// kept.
func (l *Logger) SetLevel(level string) error {
	parsed, err := parseLevel(level)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	l.level.SetLevel(parsed)
	return nil
}

// With returns a child logger carrying additional fields on every entry.
// The child shares the parent's atomic level.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{zap: l.zap.With(fields...), level: l.level, async: l.async, stopCh: l.stopCh}
}

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.zap.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.zap.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.zap.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.zap.Error(msg, fields...) }
func (l *Logger) Fatal(msg string, fields ...zap.Field) { l.zap.Fatal(msg, fields...) }

func Debug(msg string, fields ...zap.Field) { Default().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { Default().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { Default().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { Default().Error(msg, fields...) }
func Fatal(msg string, fields ...zap.Field) { Default().Fatal(msg, fields...) }

func parseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(level) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	case "fatal":
		return zapcore.FatalLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown level %q", level)
	}
}

// writeSyncer resolves cfg.Output to a zapcore.WriteSyncer. Rotated files
// are owned by lumberjack for the life of the process.
func writeSyncer(cfg Config) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	default:
		if dir := filepath.Dir(cfg.Output); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("logging: create log directory: %w", err)
			}
		}
		lj := &lumberjack.Logger{
			Filename: cfg.Output, MaxSize: cfg.MaxSize, MaxBackups: cfg.MaxBackups,
			MaxAge: cfg.MaxAge, Compress: cfg.Compress, LocalTime: true,
		}
		return zapcore.AddSync(lj), nil
	}
}

// asyncCore buffers entries onto a channel drained by one goroutine, so a
// Warn from inside the mutation loop never blocks on file or console I/O.
// A full buffer falls back to a synchronous write rather than dropping
// the entry: log loss during an engine failure is worse than an
// occasional stall.
type asyncCore struct {
	zapcore.Core
	bufferSize int
	queue      chan asyncEntry
	stopCh     chan struct{}
	wg         *sync.WaitGroup
	initOnce   sync.Once
}

type asyncEntry struct {
	entry  zapcore.Entry
	fields []zapcore.Field
}

func (c *asyncCore) init() {
	c.initOnce.Do(func() {
		c.queue = make(chan asyncEntry, c.bufferSize)
		c.wg.Add(1)
		go c.drain()
	})
}

func (c *asyncCore) drain() {
	defer c.wg.Done()
	for {
		select {
		case e := <-c.queue:
			c.writeSync(e)
		case <-c.stopCh:
			for {
				select {
				case e := <-c.queue:
					c.writeSync(e)
				default:
					return
				}
			}
		}
	}
}

func (c *asyncCore) writeSync(e asyncEntry) {
	if ce := c.Core.Check(e.entry, nil); ce != nil {
		ce.Write(e.fields...)
	}
}

// Check registers the asyncCore itself, not the wrapped core, so that
// zap routes enabled entries through Write and onto the queue.
func (c *asyncCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *asyncCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	c.init()
	select {
	case c.queue <- asyncEntry{entry, fields}:
		return nil
	default:
		return c.Core.Write(entry, fields)
	}
}

func (c *asyncCore) Sync() error {
	for {
		select {
		case e := <-c.queue:
			c.writeSync(e)
		default:
			return c.Core.Sync()
		}
	}
}
