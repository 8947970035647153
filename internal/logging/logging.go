// Package logging wires the agent's process-wide structured logger. It
// mirrors the split output routing used elsewhere in this codebase: error
// records go to stderr, everything else to stdout, so that operators piping
// only stderr into an alerting channel still see every failure.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Format selects the logrus formatter.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config controls how the process-wide logger is built.
type Config struct {
	Level      string // logrus level name; defaults to "info"
	Format     Format
	Service    string
	Version    string
	AddCaller  bool
}

// DefaultConfig returns the configuration used when the operator doesn't
// override logging explicitly.
func DefaultConfig() Config {
	return Config{
		Level:   "info",
		Format:  FormatText,
		Service: "pxp-agent",
	}
}

// splitter routes by level: anything at Error or above goes to stderr.
type splitter struct {
	out, err io.Writer
}

func (s *splitter) Write(p []byte) (int, error) {
	if looksLikeError(p) {
		return s.err.Write(p)
	}
	return s.out.Write(p)
}

func looksLikeError(p []byte) bool {
	// logrus text/JSON output both carry the level as a short token near
	// the start of the line; this is a cheap substring check rather than
	// re-parsing the line as JSON.
	return containsLevel(p, "level=error") || containsLevel(p, "level=fatal") ||
		containsLevel(p, "level=panic") ||
		containsLevel(p, `"level":"error"`) || containsLevel(p, `"level":"fatal"`) ||
		containsLevel(p, `"level":"panic"`)
}

func containsLevel(p []byte, token string) bool {
	t := []byte(token)
	for i := 0; i+len(t) <= len(p); i++ {
		if string(p[i:i+len(t)]) == token {
			return true
		}
	}
	return false
}

// New builds a process-wide *logrus.Logger from Config.
func New(cfg Config) *logrus.Logger {
	logger := logrus.New()

	switch cfg.Format {
	case FormatJSON:
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	logger.SetReportCaller(cfg.AddCaller)
	logger.SetOutput(&splitter{out: os.Stdout, err: os.Stderr})

	return logger
}

// Fields is a convenience alias matching logrus.Fields so call sites don't
// need to import logrus directly just to attach context.
type Fields = logrus.Fields

// WithTransaction returns a child entry tagged with a transaction id, the
// common correlation key threaded through storage, the mutex registry, and
// the thread container.
func WithTransaction(logger logrus.FieldLogger, transactionID string) *logrus.Entry {
	return logger.WithField("transaction_id", transactionID)
}
