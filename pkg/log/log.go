// Package log wires up logrus the way the daemons need it: a single
// JSON-formatted logger per process (development logs to a file,
// production runs at error level and discards its own output), plus a per-build DEBUG-level
// log sink the build executor (component G, step 2) can attach to and
// detach from that logger's fanout for the lifetime of one build.
package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"github.com/cookos/cook/pkg/utils"
)

// Config configures the base daemon logger.
type Config struct {
	Debug     bool
	LogDir    string
	Version   string
	Commit    string
	BuildDate string
}

// NewLogger returns the base logger every daemon command starts from.
func NewLogger(cfg Config) *logrus.Entry {
	var base *logrus.Logger
	if cfg.Debug || os.Getenv("DEBUG") == "TRUE" {
		base = newDevelopmentLogger(cfg)
	} else {
		base = newProductionLogger()
	}
	base.Formatter = &logrus.JSONFormatter{}

	return base.WithFields(logrus.Fields{
		"debug":     cfg.Debug,
		"version":   cfg.Version,
		"commit":    cfg.Commit,
		"buildDate": cfg.BuildDate,
	})
}

func getLogLevel() logrus.Level {
	level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		return logrus.DebugLevel
	}
	return level
}

func newDevelopmentLogger(cfg Config) *logrus.Logger {
	l := logrus.New()
	l.SetLevel(getLogLevel())
	file, err := os.OpenFile(filepath.Join(cfg.LogDir, "development.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		fmt.Println("unable to log to file")
		os.Exit(1)
	}
	l.SetOutput(file)
	return l
}

func newProductionLogger() *logrus.Logger {
	l := logrus.New()
	l.Out = io.Discard
	l.SetLevel(logrus.ErrorLevel)
	return l
}

// writerHook fans every entry at level or above out to an extra writer,
// independent of the logger's own level/output.
type writerHook struct {
	mu        sync.Mutex
	writer    io.Writer
	level     logrus.Level
	formatter logrus.Formatter
}

func (h *writerHook) Levels() []logrus.Level {
	levels := make([]logrus.Level, 0, h.level+1)
	for _, l := range logrus.AllLevels {
		if l <= h.level {
			levels = append(levels, l)
		}
	}
	return levels
}

func (h *writerHook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.writer.Write(line)
	return err
}

// BuildSink is a per-build DEBUG-level log file attached to a daemon
// logger's fanout. Close detaches the hook and flushes the file.
type BuildSink struct {
	logger *logrus.Logger
	hook   *writerHook
	file   *os.File
}

// OpenBuildSink opens <dir>/<buildID>.log and attaches it to entry's
// underlying logger at debug level. A logger configured below debug is
// raised to debug so debug entries reach the sink; Close does not lower
// it again.
func OpenBuildSink(entry *logrus.Entry, buildID, dir string) (*BuildSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating build log directory: %w", err)
	}
	file, err := os.OpenFile(filepath.Join(dir, buildID+".log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening build log sink: %w", err)
	}

	hook := &writerHook{writer: file, level: logrus.DebugLevel, formatter: &logrus.JSONFormatter{}}
	if !entry.Logger.IsLevelEnabled(logrus.DebugLevel) {
		entry.Logger.SetLevel(logrus.DebugLevel)
	}
	entry.Logger.AddHook(hook)

	return &BuildSink{logger: entry.Logger, hook: hook, file: file}, nil
}

// Close detaches the sink's hook from the logger's fanout and closes the
// underlying file. Safe to call once per sink.
func (s *BuildSink) Close() error {
	s.removeHook()
	return s.file.Close()
}

func (s *BuildSink) removeHook() {
	remaining := logrus.LevelHooks{}
	for level, hooks := range s.logger.Hooks {
		for _, h := range hooks {
			if h == s.hook {
				continue
			}
			remaining[level] = append(remaining[level], h)
		}
	}
	s.logger.ReplaceHooks(remaining)
}

var levelColors = map[logrus.Level]color.Attribute{
	logrus.ErrorLevel: color.FgRed,
	logrus.WarnLevel:  color.FgYellow,
	logrus.InfoLevel:  color.FgCyan,
	logrus.DebugLevel: color.FgWhite,
}

// consoleHook writes a short colored line per entry to an io.Writer,
// independent of the logger's own JSON-formatted output. Attached when a
// daemon runs with -v so the operator sees readable progress on stderr
// instead of only JSON lines in the log file.
type consoleHook struct {
	mu     sync.Mutex
	writer io.Writer
	level  logrus.Level
}

func (h *consoleHook) Levels() []logrus.Level {
	levels := make([]logrus.Level, 0, h.level+1)
	for _, l := range logrus.AllLevels {
		if l <= h.level {
			levels = append(levels, l)
		}
	}
	return levels
}

func (h *consoleHook) Fire(entry *logrus.Entry) error {
	attr, ok := levelColors[entry.Level]
	if !ok {
		attr = color.FgWhite
	}
	line := fmt.Sprintf("[%s] %s\n", entry.Level.String(), entry.Message)
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.writer, utils.ColoredString(line, attr))
	return err
}

// AttachConsole adds a colored stderr hook to entry's logger at the given
// verbosity level (0 disables it; each -v raises it by one level from
// Error towards Debug), for interactive CLI runs. The logger's own level
// is raised to match if it is lower.
func AttachConsole(entry *logrus.Entry, verbosity int) {
	if verbosity <= 0 {
		return
	}
	level := logrus.ErrorLevel + logrus.Level(verbosity)
	if level > logrus.DebugLevel {
		level = logrus.DebugLevel
	}
	if !entry.Logger.IsLevelEnabled(level) {
		entry.Logger.SetLevel(level)
	}
	entry.Logger.AddHook(&consoleHook{writer: os.Stderr, level: level})
}
