package collyfetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/policyspider/spiderd/internal/hash/sha256"
)

// FileSink writes each document as a JSON file under
// <dir>/<target>/<sha256(url)>.json. Saving the same URL twice
// overwrites, which keeps refresh runs idempotent.
type FileSink struct {
	dir    string
	hasher *sha256.Hasher
}

// NewFileSink creates the base directory if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if dir == "" {
		return nil, fmt.Errorf("file sink: dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sink dir: %w", err)
	}
	return &FileSink{dir: dir, hasher: sha256.New()}, nil
}

// SaveDocument implements DocumentSink.
func (s *FileSink) SaveDocument(_ context.Context, doc Document) error {
	name, err := s.hasher.Hash([]byte(doc.URL))
	if err != nil {
		return fmt.Errorf("hash url: %w", err)
	}
	targetDir := filepath.Join(s.dir, doc.Target)
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return fmt.Errorf("create target dir: %w", err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	path := filepath.Join(targetDir, name+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	return nil
}
