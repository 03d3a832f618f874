// Package config loads the run configuration of ctmiddle.
//
// A configuration file is optional. Values not present in the file keep
// their defaults, and command-line flags override both.
//
// Example file:
//
//	log:
//	  level: debug
//	  format: json
//	output:
//	  compress: false
//	verify: true
package config

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Log formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Log configures the diagnostic logger.
type Log struct {
	// Level is one of debug, info, warn, error. Debug narrates every
	// dependency-relevant event.
	Level string `yaml:"level"`

	// Format is FormatText or FormatJSON.
	Format string `yaml:"format"`
}

// Output configures the task-graph sink.
type Output struct {
	// Compress gzips the task graph when writing to a file.
	Compress bool `yaml:"compress"`
}

// Config is the full run configuration.
type Config struct {
	Log    Log    `yaml:"log"`
	Output Output `yaml:"output"`

	// Verify checks graph invariants before the task graph is written.
	Verify bool `yaml:"verify"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Log:    Log{Level: "info", Format: FormatText},
		Output: Output{Compress: true},
	}
}

// Load reads a YAML configuration file on top of the defaults.
// An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, errors.Wrap(err, "opening config")
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads a YAML configuration on top of the defaults.
// Unknown keys are rejected.
func Decode(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, errors.Wrap(err, "decoding config")
	}
	return cfg, cfg.Validate()
}

// Validate checks that the log settings name a known level and format.
func (c Config) Validate() error {
	if _, err := c.Log.level(); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case FormatText, FormatJSON:
		return nil
	default:
		return errors.Errorf("unknown log format %q (want %s or %s)", c.Log.Format, FormatText, FormatJSON)
	}
}

func (l Log) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return lvl, errors.Wrapf(err, "unknown log level %q", l.Level)
	}
	return lvl, nil
}

// Logger builds a logger writing to w with the configured level and format.
func (l Log) Logger(w io.Writer) (*slog.Logger, error) {
	lvl, err := l.level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(l.Format) {
	case FormatText:
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case FormatJSON:
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, errors.Errorf("unknown log format %q", l.Format)
	}
}
