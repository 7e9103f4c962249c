// Package config holds the settings shared by the heapview and heapcheck
// binaries. Values come from HEAPSCOPE_* environment variables; command-line
// flags are passed in as Overrides and win over the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds the settings of one run.
type Config struct {
	// Core is the path of the core file to open at startup, if any.
	Core string
	// Executable is the path of the executable that produced Core.
	Executable string
	// Heapdump is the path of a Go heap dump written by the same process.
	Heapdump string
	// SysRoot is prepended to shared library paths found in the core.
	SysRoot string

	// Addr is the listen address of heapview.
	Addr           string
	AllowedOrigins []string

	DebugLevel  int
	MaxElements int
}

// Overrides optionally overrides values from environment variables.
//
// A nil pointer means "use the environment/default value".
type Overrides struct {
	Core           *string
	Executable     *string
	Heapdump       *string
	SysRoot        *string
	Addr           *string
	AllowedOrigins []string
	DebugLevel     *int
	MaxElements    *int
}

const (
	DefaultAddr        = ":8092"
	DefaultMaxElements = 16
)

// Load loads configuration from environment variables and applies any
// explicit overrides.
func Load(overrides Overrides) (*Config, error) {
	cfg := &Config{
		Core:           os.Getenv("HEAPSCOPE_CORE"),
		Executable:     os.Getenv("HEAPSCOPE_EXECUTABLE"),
		Heapdump:       os.Getenv("HEAPSCOPE_HEAPDUMP"),
		SysRoot:        os.Getenv("HEAPSCOPE_SYSROOT"),
		Addr:           DefaultAddr,
		AllowedOrigins: []string{"*"},
		MaxElements:    DefaultMaxElements,
	}
	if addr := os.Getenv("HEAPSCOPE_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if origins := os.Getenv("HEAPSCOPE_ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = splitList(origins)
	}
	var err error
	if cfg.DebugLevel, err = intEnv("HEAPSCOPE_DEBUG_LEVEL", 0); err != nil {
		return nil, err
	}
	if cfg.MaxElements, err = intEnv("HEAPSCOPE_MAX_ELEMENTS", DefaultMaxElements); err != nil {
		return nil, err
	}

	setString(&cfg.Core, overrides.Core)
	setString(&cfg.Executable, overrides.Executable)
	setString(&cfg.Heapdump, overrides.Heapdump)
	setString(&cfg.SysRoot, overrides.SysRoot)
	setString(&cfg.Addr, overrides.Addr)
	if overrides.AllowedOrigins != nil {
		cfg.AllowedOrigins = overrides.AllowedOrigins
	}
	if overrides.DebugLevel != nil {
		cfg.DebugLevel = *overrides.DebugLevel
	}
	if overrides.MaxElements != nil {
		cfg.MaxElements = *overrides.MaxElements
	}

	if cfg.MaxElements <= 0 {
		return nil, fmt.Errorf("max elements must be positive, got %d", cfg.MaxElements)
	}
	if cfg.DebugLevel < 0 {
		return nil, fmt.Errorf("debug level must not be negative, got %d", cfg.DebugLevel)
	}
	if cfg.Core != "" && cfg.Executable == "" {
		return nil, fmt.Errorf("core file %s given without an executable", cfg.Core)
	}
	return cfg, nil
}

func intEnv(name string, def int) (int, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func splitList(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
