// Package policyloader loads alert-rule bundles from the filesystem.
//
// Bundles are versioned JSON files of reporter alert rules, so alerting
// changes ship as config rather than code.
package policyloader

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/anumate/enforcement-core/pkg/report"
)

// Bundle is a versioned collection of alert rules.
type Bundle struct {
	Version   string             `json:"version"`
	Name      string             `json:"name"`
	Rules     []report.AlertRule `json:"rules"`
	CreatedAt time.Time          `json:"created_at"`
}

// RuleSink receives loaded rules; *report.Reporter satisfies it.
type RuleSink interface {
	AddRule(rule *report.AlertRule) error
}

// Loader loads and tracks bundles from a directory.
type Loader struct {
	mu        sync.RWMutex
	bundles   map[string]*Bundle
	bundleDir string
	onReload  func(bundle *Bundle)
}

// NewLoader creates a loader over the given bundle directory.
func NewLoader(bundleDir string) *Loader {
	return &Loader{
		bundles:   make(map[string]*Bundle),
		bundleDir: bundleDir,
	}
}

// OnReload registers a callback invoked when a bundle is loaded or
// reloaded.
func (l *Loader) OnReload(fn func(bundle *Bundle)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onReload = fn
}

// LoadAll loads every .json bundle in the directory.
func (l *Loader) LoadAll() error {
	entries, err := os.ReadDir(l.bundleDir)
	if err != nil {
		return fmt.Errorf("policyloader: read dir %s: %w", l.bundleDir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(l.bundleDir, entry.Name())
		if err := l.LoadFile(path); err != nil {
			return fmt.Errorf("policyloader: load %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// LoadFile loads one bundle file.
func (l *Loader) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	var bundle Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return fmt.Errorf("parse bundle: %w", err)
	}
	if bundle.Name == "" {
		bundle.Name = filepath.Base(path)
	}

	l.mu.Lock()
	l.bundles[bundle.Name] = &bundle
	callback := l.onReload
	l.mu.Unlock()

	if callback != nil {
		callback(&bundle)
	}
	return nil
}

// GetBundle returns a loaded bundle by name.
func (l *Loader) GetBundle(name string) (*Bundle, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.bundles[name]
	return b, ok
}

// AllBundles returns every loaded bundle.
func (l *Loader) AllBundles() []*Bundle {
	l.mu.RLock()
	defer l.mu.RUnlock()
	result := make([]*Bundle, 0, len(l.bundles))
	for _, b := range l.bundles {
		result = append(result, b)
	}
	return result
}

// EnabledRules returns the enabled rules across all loaded bundles.
func (l *Loader) EnabledRules() []report.AlertRule {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var rules []report.AlertRule
	for _, b := range l.bundles {
		for _, r := range b.Rules {
			if r.Enabled {
				rules = append(rules, r)
			}
		}
	}
	return rules
}

// Apply registers every enabled rule with the sink. A rule that fails
// to compile aborts with its bundle context.
func (l *Loader) Apply(sink RuleSink) error {
	for _, rule := range l.EnabledRules() {
		rule := rule
		if err := sink.AddRule(&rule); err != nil {
			return fmt.Errorf("policyloader: apply rule %s: %w", rule.ID, err)
		}
	}
	return nil
}
