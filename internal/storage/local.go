package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Local stores blobs under a directory, with a small sidecar file for the
// content type. Development only.
type Local struct {
	Dir string
}

func NewLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Local{Dir: dir}, nil
}

type sidecar struct {
	ContentType string `json:"contentType"`
}

func (l *Local) path(key string) string {
	// Keys are internal (proofs/<ulid>), but never trust them as paths.
	return filepath.Join(l.Dir, filepath.FromSlash(strings.ReplaceAll(key, "..", "")))
}

func (l *Local) Put(ctx context.Context, key, contentType string, r io.Reader, size int64) error {
	p := l.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return err
	}

	meta, _ := json.Marshal(sidecar{ContentType: contentType})
	return os.WriteFile(p+".meta", meta, 0o644)
}

func (l *Local) Get(ctx context.Context, key string) (io.ReadCloser, string, error) {
	p := l.path(key)
	f, err := os.Open(p)
	if err != nil {
		return nil, "", err
	}

	contentType := "application/octet-stream"
	if b, err := os.ReadFile(p + ".meta"); err == nil {
		var m sidecar
		if json.Unmarshal(b, &m) == nil && m.ContentType != "" {
			contentType = m.ContentType
		}
	}
	return f, contentType, nil
}
