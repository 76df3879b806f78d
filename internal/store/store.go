// Package store persists grid assignments as YAML between daemon runs.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/genricoloni/matrixd/internal/domain"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// file is the on-disk layout
type file struct {
	Displays []domain.Assignment `yaml:"displays"`
}

// YAMLStore keeps assignments in one YAML file
type YAMLStore struct {
	logger *zap.Logger
	path   string
	mu     sync.Mutex
}

// NewYAMLStore creates a store at path; the file is created on first save
func NewYAMLStore(logger *zap.Logger, path string) *YAMLStore {
	return &YAMLStore{logger: logger, path: path}
}

// Load returns every saved assignment. A missing file is an empty store.
func (s *YAMLStore) Load() ([]domain.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Info("No saved assignments", zap.String("path", s.path))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}

	var f file
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}

	s.logger.Info("Assignments loaded", zap.String("path", s.path), zap.Int("count", len(f.Displays)))
	return f.Displays, nil
}

// Save replaces the file atomically
func (s *YAMLStore) Save(assignments []domain.Assignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := yaml.Marshal(file{Displays: assignments})
	if err != nil {
		return fmt.Errorf("encode assignments: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".displays-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace %s: %w", s.path, err)
	}

	s.logger.Debug("Assignments saved", zap.String("path", s.path), zap.Int("count", len(assignments)))
	return nil
}
