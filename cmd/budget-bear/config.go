package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// parseYAMLConfig reads a flat YAML mapping of flag names to values, e.g.
//
//	port: 8080
//	scanner: ollama
//
// Lists set a flag once per element.
func parseYAMLConfig(r io.Reader, set func(name, value string) error) error {
	var values map[string]any
	if err := yaml.NewDecoder(r).Decode(&values); err != nil {
		if errors.Is(err, io.EOF) {
			return nil // empty file
		}
		return fmt.Errorf("decoding yaml config: %w", err)
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		switch v := values[name].(type) {
		case nil:
			continue
		case map[string]any:
			return fmt.Errorf("config key %q: nested mappings are not supported", name)
		case []any:
			for _, item := range v {
				if err := set(name, fmt.Sprint(item)); err != nil {
					return fmt.Errorf("config key %q: %w", name, err)
				}
			}
		default:
			if err := set(name, fmt.Sprint(v)); err != nil {
				return fmt.Errorf("config key %q: %w", name, err)
			}
		}
	}
	return nil
}

// newLogger builds the process logger for the given format and level
func newLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q, want text or json", format)
	}
}

// envOr returns the named environment variable, or fallback when it is unset
func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
