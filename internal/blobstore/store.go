// Package blobstore is a content-addressed store for uploaded documents and
// OCR artifacts. Blobs live on the local filesystem only; the id is the
// SHA-256 of the bytes, so concurrent puts of identical content are idempotent.
package blobstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

var (
	ErrNotFound = errors.New("blob not found")
	ErrCorrupt  = errors.New("blob bytes do not match content hash")
)

// Store writes blobs under root/ab/abcdef... with a sidecar meta file.
type Store struct {
	root string
}

type meta struct {
	MediaType  string    `json:"media_type"`
	ReceivedAt time.Time `json:"received_at"`
	Size       int64     `json:"size"`
}

func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore root: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.root, id[:2], id)
}

// Put stores bytes and returns the content hash id.
func (s *Store) Put(data []byte, mediaType string) (string, error) {
	sum := sha256.Sum256(data)
	id := hex.EncodeToString(sum[:])
	dst := s.path(id)

	if _, err := os.Stat(dst); err == nil {
		// Same content already stored; content addressing makes this a no-op.
		return id, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}

	// Write to a temp file and rename so readers never see partial bytes.
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".put-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", err
	}

	m := meta{MediaType: mediaType, ReceivedAt: time.Now().UTC(), Size: int64(len(data))}
	raw, _ := json.Marshal(m)
	if err := os.WriteFile(dst+".meta", raw, 0o644); err != nil {
		return "", err
	}
	slog.Debug("blob stored", "id", id, "media_type", mediaType, "size", len(data))
	return id, nil
}

// Get returns the blob bytes and media type. The bytes are re-hashed on
// every read; a mismatch surfaces as ErrCorrupt, never as silent data.
func (s *Store) Get(id string) ([]byte, string, error) {
	if len(id) < 3 {
		return nil, "", ErrNotFound
	}
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", ErrNotFound
		}
		return nil, "", err
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != id {
		return nil, "", fmt.Errorf("%w: %s", ErrCorrupt, id)
	}

	mediaType := "application/octet-stream"
	if raw, err := os.ReadFile(s.path(id) + ".meta"); err == nil {
		var m meta
		if json.Unmarshal(raw, &m) == nil && m.MediaType != "" {
			mediaType = m.MediaType
		}
	}
	return data, mediaType, nil
}

// GCPolicy controls retention-driven deletion. Blobs are never deleted
// implicitly; InUse lets the caller pin blobs still referenced by bookings.
type GCPolicy struct {
	MaxAge time.Duration
	InUse  func(id string) bool
}

// GC removes blobs older than the policy age that are not in use.
func (s *Store) GC(p GCPolicy) (removed int, err error) {
	cutoff := time.Now().Add(-p.MaxAge)
	err = filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || filepath.Ext(path) == ".meta" {
			return err
		}
		id := filepath.Base(path)
		if info.ModTime().After(cutoff) {
			return nil
		}
		if p.InUse != nil && p.InUse(id) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return err
		}
		os.Remove(path + ".meta")
		removed++
		return nil
	})
	if removed > 0 {
		slog.Info("blob gc", "removed", removed)
	}
	return removed, err
}
