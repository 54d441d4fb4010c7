// Package artifacts provides content-addressed storage for phase
// outputs and checkpoint previews. Blobs are keyed by their SHA-256
// hash, so storing the same output twice is a no-op and records can
// reference outputs by hash alone.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/atelier-ai/atelier/core/pkg/contracts"
)

// BlobStore is one storage backend for content-addressed blobs.
type BlobStore interface {
	// Put persists data and returns its "sha256:"-prefixed hash.
	// Idempotent: data already present is not rewritten.
	Put(ctx context.Context, data []byte) (string, error)
	// Get retrieves a blob by hash.
	Get(ctx context.Context, hash string) ([]byte, error)
	// Exists reports whether a blob is present.
	Exists(ctx context.Context, hash string) (bool, error)
	// Delete removes a blob; deleting a missing blob is not an error.
	Delete(ctx context.Context, hash string) error
	// URL returns the backend-specific reference for a stored hash.
	URL(hash string) string
}

const hashPrefix = "sha256:"

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hashPrefix + hex.EncodeToString(sum[:])
}

// rawHash validates a prefixed hash and returns the hex part.
func rawHash(hash string) (string, error) {
	if !strings.HasPrefix(hash, hashPrefix) {
		return "", fmt.Errorf("artifacts: invalid hash format: %s", hash)
	}
	raw := strings.TrimPrefix(hash, hashPrefix)
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("artifacts: invalid hash hex: %w", err)
	}
	return raw, nil
}

// FileStore keeps blobs on the local filesystem. It is the default
// backend for local runs and tests.
type FileStore struct {
	baseDir string
}

// NewFileStore creates the blob directory if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("artifacts: ensure blob dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(raw string) string {
	return filepath.Join(s.baseDir, raw+".blob")
}

func (s *FileStore) Put(ctx context.Context, data []byte) (string, error) {
	hash := hashOf(data)
	raw, _ := rawHash(hash)
	path := s.path(raw)

	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}

	// Write to a temp file, then rename, so readers never observe a
	// partial blob.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("artifacts: write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("artifacts: commit blob: %w", err)
	}
	return hash, nil
}

func (s *FileStore) Get(ctx context.Context, hash string) ([]byte, error) {
	raw, err := rawHash(hash)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(raw))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("artifacts: blob not found: %s", hash)
		}
		return nil, fmt.Errorf("artifacts: read blob: %w", err)
	}
	return data, nil
}

func (s *FileStore) Exists(ctx context.Context, hash string) (bool, error) {
	raw, err := rawHash(hash)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(s.path(raw)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("artifacts: stat blob: %w", err)
	}
	return true, nil
}

func (s *FileStore) Delete(ctx context.Context, hash string) error {
	raw, err := rawHash(hash)
	if err != nil {
		return err
	}
	if err := os.Remove(s.path(raw)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("artifacts: delete blob: %w", err)
	}
	return nil
}

func (s *FileStore) URL(hash string) string {
	raw, err := rawHash(hash)
	if err != nil {
		return ""
	}
	return "file://" + s.path(raw)
}

// OutputArchive stores phase outputs as canonical JSON blobs. It is
// what the orchestrator writes through; the returned hash lands on the
// PhaseExecutionRecord and the ref on checkpoint notices.
type OutputArchive struct {
	blobs BlobStore
}

// NewOutputArchive wraps a blob backend.
func NewOutputArchive(blobs BlobStore) *OutputArchive {
	return &OutputArchive{blobs: blobs}
}

// StoreOutput persists the output document and returns its reference
// and content hash.
func (a *OutputArchive) StoreOutput(ctx context.Context, sessionID string, phase int, output contracts.PhaseOutput) (string, string, error) {
	doc := struct {
		SessionID string               `json:"session_id"`
		Output    contracts.PhaseOutput `json:"output"`
	}{sessionID, output}

	data, err := json.Marshal(doc)
	if err != nil {
		return "", "", fmt.Errorf("artifacts: encode output: %w", err)
	}
	hash, err := a.blobs.Put(ctx, data)
	if err != nil {
		return "", "", err
	}
	return a.blobs.URL(hash), hash, nil
}

// LoadOutput retrieves a stored output document by hash.
func (a *OutputArchive) LoadOutput(ctx context.Context, hash string) (contracts.PhaseOutput, error) {
	data, err := a.blobs.Get(ctx, hash)
	if err != nil {
		return contracts.PhaseOutput{}, err
	}
	var doc struct {
		SessionID string                `json:"session_id"`
		Output    contracts.PhaseOutput `json:"output"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return contracts.PhaseOutput{}, fmt.Errorf("artifacts: decode output: %w", err)
	}
	return doc.Output, nil
}
