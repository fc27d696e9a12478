// Package logger provides structured logging for frameconv.
//
// Loggers are built explicitly with New and injected into the converter; nothing in
// the pipeline reaches for a process-wide logger. Warnings that can fire for every
// frame of a large file (a missing pulse map, say) go through a child logger made
// with Repeating, which prints each distinct warning a bounded number of times.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultRepeatLimit is the number of identical messages let through before the
// repeat filter starts suppressing them.
const DefaultRepeatLimit = 20

// LogFileName is the file created inside Config.LogFolder.
const LogFileName = "frameconv.log"

// Config represents logger configuration
type Config struct {
	Level       string   `yaml:"level" json:"level" mapstructure:"level"`
	Development bool     `yaml:"development" json:"development" mapstructure:"development"`
	Encoding    string   `yaml:"encoding" json:"encoding" mapstructure:"encoding"` // json or console
	OutputPaths []string `yaml:"output_paths,omitempty" json:"output_paths,omitempty" mapstructure:"output_paths"`
	// LogFolder, when set, adds a log file inside the folder to the outputs.
	LogFolder string `yaml:"log_folder" json:"log_folder" mapstructure:"log_folder"`
	// RepeatLimit caps identical messages on Repeating loggers; 0 uses
	// DefaultRepeatLimit, negative disables.
	RepeatLimit int `yaml:"repeat_limit" json:"repeat_limit" mapstructure:"repeat_limit"`
}

// DefaultConfig returns an info-level console logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:    "info",
		Encoding: "console",
	}
}

// New creates a new zap logger
func New(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	if cfg.Development {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	encoding := cfg.Encoding
	if encoding == "" {
		encoding = "console"
	}

	outputPaths := cfg.OutputPaths
	if len(outputPaths) == 0 {
		outputPaths = []string{"stderr"}
	}
	if cfg.LogFolder != "" {
		if err := os.MkdirAll(cfg.LogFolder, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log folder: %w", err)
		}
		outputPaths = append(append([]string(nil), outputPaths...), filepath.Join(cfg.LogFolder, LogFileName))
	}

	zapCfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Development,
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      outputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	if cfg.Development {
		logger = logger.WithOptions(zap.AddStacktrace(zapcore.ErrorLevel))
	}

	return logger, nil
}

// repeatState is shared between a filter core and every child created with With.
type repeatState struct {
	mu     sync.Mutex
	counts map[string]int
}

func (s *repeatState) bump(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[key]++
	return s.counts[key]
}

// RepeatFilter is a zapcore.Core that lets a message through limit times; the
// limit-th occurrence is followed by a single notice and later repeats are dropped.
// Messages are identical when level, text and the values of the key fields match.
type RepeatFilter struct {
	zapcore.Core
	limit int
	keys  []string
	state *repeatState
}

// NewRepeatFilter wraps core with a repeat filter. keyFields name the fields
// whose values tell otherwise identical messages apart.
func NewRepeatFilter(core zapcore.Core, limit int, keyFields ...string) *RepeatFilter {
	return &RepeatFilter{
		Core:  core,
		limit: limit,
		keys:  keyFields,
		state: &repeatState{counts: make(map[string]int)},
	}
}

// Repeating returns a child of l whose messages are repeat filtered. Children
// created from it with With share one set of counts. A negative limit returns l.
func Repeating(l *zap.Logger, limit int, keyFields ...string) *zap.Logger {
	if limit == 0 {
		limit = DefaultRepeatLimit
	}
	if limit < 0 {
		return l
	}
	return l.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return NewRepeatFilter(core, limit, keyFields...)
	}))
}

// With implements zapcore.Core.
func (f *RepeatFilter) With(fields []zapcore.Field) zapcore.Core {
	return &RepeatFilter{Core: f.Core.With(fields), limit: f.limit, keys: f.keys, state: f.state}
}

func (f *RepeatFilter) key(ent zapcore.Entry, fields []zapcore.Field) string {
	var b strings.Builder
	b.WriteString(ent.Level.String())
	b.WriteByte(0)
	b.WriteString(ent.Message)
	for _, name := range f.keys {
		for _, field := range fields {
			if field.Key != name {
				continue
			}
			b.WriteByte(0)
			b.WriteString(name)
			b.WriteByte('=')
			switch {
			case field.String != "":
				b.WriteString(field.String)
			case field.Interface != nil:
				fmt.Fprint(&b, field.Interface)
			default:
				fmt.Fprint(&b, field.Integer)
			}
		}
	}
	return b.String()
}

// Check implements zapcore.Core.
func (f *RepeatFilter) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if f.Enabled(ent.Level) {
		return ce.AddCore(ent, f)
	}
	return ce
}

// Write implements zapcore.Core.
func (f *RepeatFilter) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	n := f.state.bump(f.key(ent, fields))
	switch {
	case n < f.limit:
		return f.Core.Write(ent, fields)
	case n == f.limit:
		if err := f.Core.Write(ent, fields); err != nil {
			return err
		}
		notice := ent
		notice.Message = fmt.Sprintf("message repeated %d times, suppressing further repeats: %q", n, ent.Message)
		return f.Core.Write(notice, nil)
	default:
		return nil
	}
}

// Once emits each distinct warning a single time per Once value.
type Once struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// Warn logs msg at warn level unless the same msg has already been logged through o.
func (o *Once) Warn(logger *zap.Logger, msg string, fields ...zap.Field) {
	o.mu.Lock()
	if o.seen == nil {
		o.seen = make(map[string]struct{})
	}
	_, dup := o.seen[msg]
	o.seen[msg] = struct{}{}
	o.mu.Unlock()

	if !dup {
		logger.Warn(msg, fields...)
	}
}

// Nop returns a logger that discards everything.
func Nop() *zap.Logger {
	return zap.NewNop()
}
