// Package log configures the node's zerolog loggers: colored console
// output by default, JSON on request, and an optional size-rotated file.
package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jrick/logrotate/rotator"
	"github.com/rs/zerolog"
)

// Rotation: 10 MB per file, three files kept.
const (
	MaxLogFileSizeKB = 10 * 1024
	MaxLogFiles      = 3
)

// Logger is the root logger; the component loggers below derive from it
// and are rebuilt by Init.
var Logger zerolog.Logger

var (
	Chain     zerolog.Logger
	Consensus zerolog.Logger
	P2P       zerolog.Logger
	RPC       zerolog.Logger
	Sync      zerolog.Logger
	Mint      zerolog.Logger
	Miner     zerolog.Logger
	Events    zerolog.Logger
)

var logFile *rotator.Rotator

func init() {
	setRoot(NewConsoleLogger(os.Stdout, "info"))
}

func setRoot(l zerolog.Logger) {
	Logger = l
	Chain = WithComponent("chain")
	Consensus = WithComponent("consensus")
	P2P = WithComponent("p2p")
	RPC = WithComponent("rpc")
	Sync = WithComponent("sync")
	Mint = WithComponent("mint")
	Miner = WithComponent("miner")
	Events = WithComponent("events")
}

// Init replaces the root logger. Console output is colored unless
// jsonOutput is set; when file is given, JSON lines are also written to
// it through a rotator.
func Init(level string, jsonOutput bool, file string) error {
	var console io.Writer = os.Stdout
	if !jsonOutput {
		console = consoleWriter(os.Stdout)
	}
	out := console
	if file != "" {
		r, err := openRotator(file)
		if err != nil {
			return err
		}
		Close()
		logFile = r
		out = zerolog.MultiLevelWriter(console, r)
	}
	setRoot(newLogger(out, level))
	return nil
}

func openRotator(file string) (*rotator.Rotator, error) {
	if err := os.MkdirAll(filepath.Dir(file), 0o700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	r, err := rotator.New(file, MaxLogFileSizeKB, false, MaxLogFiles)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return r, nil
}

// Close closes the log file opened by Init, if any.
func Close() error {
	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	return err
}

func consoleWriter(w io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
}

func newLogger(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(w).Level(parseLevel(level)).With().Timestamp().Logger()
}

func NewConsoleLogger(w io.Writer, level string) zerolog.Logger {
	return newLogger(consoleWriter(w), level)
}

func NewJSONLogger(w io.Writer, level string) zerolog.Logger {
	return newLogger(w, level)
}

// parseLevel accepts zerolog's level names; anything else, and "" or
// "disabled", means info.
func parseLevel(level string) zerolog.Level {
	l, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || l == zerolog.NoLevel || l == zerolog.Disabled {
		return zerolog.InfoLevel
	}
	return l
}

// WithComponent returns a child of Logger tagged with component=name.
func WithComponent(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}
