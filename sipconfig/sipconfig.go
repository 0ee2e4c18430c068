// Package sipconfig provides small environment-variable override helpers
// for the functional-options configuration surface used throughout this
// repository (ua.Option, sipstack.UserAgentOption, sipstack.ClientOption).
// No example in the reference corpus pulls in a struct-tag config library
// (viper, envconfig, ardanlabs/conf, ...) for this; every pack repo that
// configures anything at all does it directly off os.Getenv at the call
// site. These helpers just avoid repeating the "parse, fall back to
// default, ignore if unset" dance at each one.
package sipconfig

import (
	"os"
	"strconv"
	"time"
)

// String returns the environment variable's value, or fallback if unset or
// empty.
func String(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

// Bool parses the environment variable as a bool (strconv.ParseBool
// syntax: "1", "t", "true", "0", "f", "false", case-insensitively),
// returning fallback if unset or unparseable.
func Bool(name string, fallback bool) bool {
	v, ok := lookup(name)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// Int parses the environment variable as a base-10 int, returning fallback
// if unset or unparseable.
func Int(name string, fallback int) int {
	v, ok := lookup(name)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// Duration parses the environment variable with time.ParseDuration,
// returning fallback if unset or unparseable.
func Duration(name string, fallback time.Duration) time.Duration {
	v, ok := lookup(name)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// StringSlice splits the environment variable on sep, dropping empty
// fields, or returns fallback if unset.
func StringSlice(name, sep string, fallback []string) []string {
	v, ok := lookup(name)
	if !ok {
		return fallback
	}
	var out []string
	start := 0
	for i := 0; i+len(sep) <= len(v); i++ {
		if v[i:i+len(sep)] == sep {
			if field := v[start:i]; field != "" {
				out = append(out, field)
			}
			start = i + len(sep)
			i += len(sep) - 1
		}
	}
	if field := v[start:]; field != "" {
		out = append(out, field)
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
