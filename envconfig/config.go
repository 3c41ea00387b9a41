package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Var returns an environment variable stripped of leading and trailing quotes or spaces
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// LogLevel returns the log level for the application.
// Values are 0 or false INFO (Default), 1 or true DEBUG, 2 TRACE
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("VAE_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

// Backend returns the name of the tensor engine used to run models.
// Default is "cpu"
func Backend() string {
	if s := backend(); s != "" {
		return s
	}

	return "cpu"
}

var (
	backend = String("VAE_BACKEND")

	// NumThreads bounds the goroutines a backend may use for a single kernel. Zero means runtime.NumCPU().
	NumThreads = Uint("VAE_NUM_THREADS", 0)
	// Seed seeds parameter initialization and sampling. Zero seeds from the clock.
	Seed = Uint64("VAE_SEED", 0)
)

func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}

			return b
		}

		return defaultValue
	}
}

func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

func String(s string) func() string {
	return func() string {
		return Var(s)
	}
}

func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}

		return defaultValue
	}
}

func Uint64(key string, defaultValue uint64) func() uint64 {
	return func() uint64 {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return n
			}
		}

		return defaultValue
	}
}

// Threads resolves NumThreads against the machine
func Threads() int {
	if n := NumThreads(); n > 0 {
		return int(n)
	}

	return runtime.NumCPU()
}

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"VAE_DEBUG":       {"VAE_DEBUG", LogLevel(), "Show additional debug information (e.g. VAE_DEBUG=1)"},
		"VAE_BACKEND":     {"VAE_BACKEND", Backend(), "Tensor engine used to run models (default \"cpu\")"},
		"VAE_NUM_THREADS": {"VAE_NUM_THREADS", NumThreads(), "Maximum goroutines per kernel (default: number of CPUs)"},
		"VAE_SEED":        {"VAE_SEED", Seed(), "Seed for parameter initialization and sampling (default: time based)"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}

	return vals
}
