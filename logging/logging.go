// Package logging configures the go-logging backend shared by every ring-rpc package.
//
// Packages keep their own module logger (logging.MustGetLogger("client") and so on); Setup only
// decides where records go and which level passes.
package logging

import (
	"os"
	"strings"

	"github.com/op/go-logging"
)

const (
	loggerFormatString = "%{color}%{time:15:04:05.000} %{module} %{shortfunc} ▶ %{level:.4s} %{id:03x}%{color:reset} %{message}"

	// LevelEnv overrides the configured level, e.g. RINGRPC_LOG_LEVEL=DEBUG.
	LevelEnv = "RINGRPC_LOG_LEVEL"
)

var loggerFormat = logging.MustStringFormatter(loggerFormatString)

// Setup installs a stderr backend for all modules at the given level name
// (CRITICAL, ERROR, WARNING, NOTICE, INFO, DEBUG). Unknown names fall back to INFO.
func Setup(level string) logging.LeveledBackend {
	backend := logging.NewBackendFormatter(logging.NewLogBackend(os.Stderr, "", 0), loggerFormat)
	leveled := logging.AddModuleLevel(backend)

	if env := os.Getenv(LevelEnv); env != "" {
		level = env
	}
	leveled.SetLevel(ParseLevel(level), "")

	logging.SetBackend(leveled)
	return leveled
}

// ParseLevel maps a level name to a go-logging level, defaulting to INFO.
func ParseLevel(level string) logging.Level {
	lvl, err := logging.LogLevel(strings.ToUpper(level))
	if err != nil {
		return logging.INFO
	}
	return lvl
}

// GetLogger returns the logger for module.
func GetLogger(module string) *logging.Logger {
	return logging.MustGetLogger(module)
}
