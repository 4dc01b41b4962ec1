// Package logger configures the process-wide logrus logger.
//
// Components obtain a prefixed entry with GetLogger and log through it; the
// prefix is rendered by the prefixed text formatter. An optional log file is
// written through a rotating lumberjack sink.
package logger

import (
	"io"
	"os"
	"sync"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/natefinch/lumberjack"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

const timestampFormat = "2006-01-02 15:04:05"

// Config controls logger initialisation.
type Config struct {
	Verbosity int    // 0 = info, 1 = debug, 2+ = trace
	File      string // Optional path of a rotated log file
}

var (
	mu        sync.Mutex
	clearLine bool
	fileSink  *fileHook // installed by the last Init with a File
)

// Init applies cfg to the standard logrus logger.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	logrus.SetLevel(levelFor(cfg.Verbosity))

	useColour := isatty.IsTerminal(os.Stderr.Fd())
	clearLine = useColour
	logrus.SetOutput(colorable.NewColorableStderr())
	logrus.SetFormatter(&prefixed.TextFormatter{
		ForceColors:     useColour,
		DisableColors:   !useColour,
		ForceFormatting: true,
		FullTimestamp:   true,
		TimestampFormat: timestampFormat,
	})

	detachFileSink()
	if cfg.File != "" {
		fileSink = newFileHook(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    5, // megabytes
			MaxBackups: 10,
			MaxAge:     90, // days
		}, logrus.GetLevel())
		logrus.AddHook(fileSink)
	}
	return nil
}

// detachFileSink removes the file hook of a previous Init and closes its file.
// Must be called with mu held.
func detachFileSink() {
	if fileSink == nil {
		return
	}
	std := logrus.StandardLogger()
	kept := make(logrus.LevelHooks)
	for level, hooks := range std.Hooks {
		for _, h := range hooks {
			if h != logrus.Hook(fileSink) {
				kept[level] = append(kept[level], h)
			}
		}
	}
	std.ReplaceHooks(kept)
	if c, ok := fileSink.w.(io.Closer); ok {
		_ = c.Close()
	}
	fileSink = nil
}

func levelFor(verbosity int) logrus.Level {
	switch {
	case verbosity <= 0:
		return logrus.InfoLevel
	case verbosity == 1:
		return logrus.DebugLevel
	default:
		return logrus.TraceLevel
	}
}

// GetLogger returns an entry tagged with the component prefix.
func GetLogger(prefix string) *logrus.Entry {
	return logrus.WithField("prefix", prefix)
}

// ClearLine erases a progress bar drawn on the terminal so that the next
// line of output starts at column zero.
func ClearLine() {
	mu.Lock()
	defer mu.Unlock()
	if clearLine {
		_, _ = io.WriteString(os.Stderr, "\r\033[K")
	}
}

// fileHook writes every entry at or above level to a secondary sink
// without colours.
type fileHook struct {
	w         io.Writer
	levels    []logrus.Level
	formatter logrus.Formatter
}

func newFileHook(w io.Writer, level logrus.Level) *fileHook {
	return &fileHook{
		w:      w,
		levels: logrus.AllLevels[:level+1],
		formatter: &prefixed.TextFormatter{
			DisableColors:   true,
			ForceFormatting: true,
			FullTimestamp:   true,
			TimestampFormat: timestampFormat,
		},
	}
}

func (h *fileHook) Levels() []logrus.Level { return h.levels }

func (h *fileHook) Fire(entry *logrus.Entry) error {
	b, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.w.Write(b)
	return err
}
