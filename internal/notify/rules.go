// Package notify reloads the classification and extraction tables when the
// rules file changes on disk.
package notify

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/classifier"
	"github.com/Chendasum/IMPERIUMVAULTSYSTEM-sub002/internal/extractor"
)

// RuleSet is the content of a rules file. Sections left out of the file keep
// their built-in defaults.
type RuleSet struct {
	Classifier classifier.Rules `yaml:"classifier"`
	Extractor  extractor.Policy `yaml:"extractor"`
}

// DefaultRuleSet returns the built-in tables.
func DefaultRuleSet() RuleSet {
	return RuleSet{
		Classifier: classifier.DefaultRules(),
		Extractor:  extractor.DefaultPolicy(),
	}
}

// LoadRuleSet reads and validates a rules file.
func LoadRuleSet(path string) (RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("notify: read rules: %w", err)
	}
	return ParseRuleSet(data)
}

// ParseRuleSet decodes YAML over the defaults and validates the classifier
// table.
func ParseRuleSet(data []byte) (RuleSet, error) {
	rs := DefaultRuleSet()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&rs); err != nil && !errors.Is(err, io.EOF) {
		return RuleSet{}, fmt.Errorf("notify: parse rules: %w", err)
	}
	if err := rs.Classifier.Validate(); err != nil {
		return RuleSet{}, fmt.Errorf("notify: invalid classifier rules: %w", err)
	}
	return rs, nil
}

// WriteRuleSet writes rs to path through a temporary file and a rename, so a
// watcher never observes a partial file.
func WriteRuleSet(path string, rs RuleSet) error {
	data, err := yaml.Marshal(rs)
	if err != nil {
		return fmt.Errorf("notify: encode rules: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("notify: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".rules-*.yaml")
	if err != nil {
		return fmt.Errorf("notify: create temp: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("notify: write rules: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("notify: close rules: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("notify: rename rules: %w", err)
	}
	return nil
}
