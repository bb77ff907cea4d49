package webtrap

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/oarkflow/log"
)

// Config is the service configuration. Every field has a working default
// so an empty file (or none at all) boots a functional instance.
type Config struct {
	Listen         string            `json:"listen"`
	DBPath         string            `json:"dbPath"`
	CookieName     string            `json:"cookieName"`
	OracleEnabled  bool              `json:"oracleEnabled"`
	DigestKey      string            `json:"digestKey"`
	RestrictedPath string            `json:"restrictedPath"`
	AliasRoutes    map[string]string `json:"aliasRoutes,omitempty"`
	AllowPages     []string          `json:"allowPages,omitempty"`
	AllowPrefixes  []string          `json:"allowPrefixes,omitempty"`
	ProbeWindow    string            `json:"probeWindow"`
	ProbeBudget    int               `json:"probeBudget"`
	SignatureDir   string            `json:"signatureDir"`
	LedgerTTL      string            `json:"ledgerTTL"`
}

func DefaultConfig() *Config {
	return &Config{
		Listen:         ":3000",
		DBPath:         "webtrap.db",
		CookieName:     DefaultIdentityCookie,
		RestrictedPath: DefaultRestrictedPath,
		ProbeWindow:    "1m",
		ProbeBudget:    3,
		LedgerTTL:      "5m",
	}
}

// LoadConfig reads the JSON config at path, falling back to defaults for
// anything unset. A missing file is not an error; a malformed one is.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if len(data) > 1<<20 {
		return nil, fmt.Errorf("config file %s is too large", path)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.ProbeBudget < 0 {
		return fmt.Errorf("probeBudget must not be negative")
	}
	for _, field := range []struct{ name, value string }{
		{"probeWindow", c.ProbeWindow},
		{"ledgerTTL", c.LedgerTTL},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("invalid %s: %w", field.name, err)
		}
	}
	if c.RestrictedPath != "" && !strings.HasPrefix(c.RestrictedPath, "/") {
		return fmt.Errorf("restrictedPath must start with /")
	}
	return nil
}

// Duration parses a duration field that Validate already vetted.
func (c *Config) Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// signatureFile is the on-disk form of one overlay category.
type signatureFile struct {
	Technique  string   `json:"technique"`
	Confidence float64  `json:"confidence"`
	Patterns   []string `json:"patterns"`
}

// LoadSignatureOverlays reads operator-supplied signature categories from
// a directory of JSON files. A missing directory loads nothing.
func LoadSignatureOverlays(dir string) ([]SignatureCategory, error) {
	if dir == "" {
		return nil, nil
	}
	files, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read signature directory: %w", err)
	}

	var categories []SignatureCategory
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, file.Name()))
		if err != nil {
			return nil, fmt.Errorf("read signature file %s: %w", file.Name(), err)
		}
		if len(data) > 1<<20 {
			return nil, fmt.Errorf("signature file %s is too large", file.Name())
		}
		var sf signatureFile
		if err := json.Unmarshal(data, &sf); err != nil {
			return nil, fmt.Errorf("parse signature file %s: %w", file.Name(), err)
		}
		technique, ok := ParseEventType(sf.Technique)
		if !ok {
			return nil, fmt.Errorf("signature file %s: unknown technique %q", file.Name(), sf.Technique)
		}
		if sf.Confidence <= 0 || sf.Confidence > 1 {
			return nil, fmt.Errorf("signature file %s: confidence out of range", file.Name())
		}
		cat := SignatureCategory{Technique: technique, Confidence: sf.Confidence}
		for _, p := range sf.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("signature file %s: bad pattern %q: %w", file.Name(), p, err)
			}
			cat.Patterns = append(cat.Patterns, re)
		}
		if len(cat.Patterns) > 0 {
			categories = append(categories, cat)
		}
	}
	return categories, nil
}

// WatchSignatures hot-reloads the overlay directory into the classifier
// whenever a file changes. Returns a stop function.
func WatchSignatures(dir string, cl *Classifier, logger *log.Logger) (func() error, error) {
	if logger == nil {
		logger = &log.DefaultLogger
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("signature watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				overlays, err := LoadSignatureOverlays(dir)
				if err != nil {
					logger.Warn().Err(err).Msg("signature reload failed, keeping previous set")
					continue
				}
				cl.AddOverlay(overlays)
				logger.Info().Int("categories", len(overlays)).Msg("signature overlays reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn().Err(err).Msg("signature watcher error")
			}
		}
	}()
	return watcher.Close, nil
}
