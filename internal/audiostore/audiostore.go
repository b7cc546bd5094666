// Package audiostore implements orchestrator.AudioStore as a filesystem
// directory of synthesized audio artifacts, plus a background sweep that
// deletes artifacts past a configurable TTL. This is an external
// collaborator per spec §6/§9 ("treat artifact storage as an injected
// interface") — pkg/orchestrator only ever sees the narrow Put method.
package audiostore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/lokutor-ai/lokutor-orchestrator/internal/metrics"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/audio"
	"github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"
)

// Store writes synthesized PCM as WAV files under dir and serves references
// shaped "/audio/<id>" (spec §6). Ref-to-path resolution lives here too
// (Open), so an HTTP handler can turn the same ref back into a file to serve.
type Store struct {
	dir        string
	sampleRate int
}

// New ensures dir exists and returns a Store rooted there.
func New(dir string, sampleRate int) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("audiostore: mkdir %q: %w", dir, err)
	}
	return &Store{dir: dir, sampleRate: sampleRate}, nil
}

// Put wraps the raw PCM in a WAV container (pkg/audio) and writes it under a
// fresh UUID, returning the "/audio/<id>" reference spec §6 requires.
func (s *Store) Put(ctx context.Context, pcm []byte) (string, error) {
	id := uuid.NewString()
	wav := audio.NewWavBuffer(pcm, s.sampleRate)

	path := s.pathFor(id)
	if err := os.WriteFile(path, wav, 0o644); err != nil {
		return "", fmt.Errorf("audiostore: write %q: %w", path, err)
	}

	metrics.AudioArtifactsStored.Inc()
	return "/audio/" + id, nil
}

// Open resolves a "/audio/<id>" reference back to a readable file for an
// HTTP handler to serve. It rejects anything that is not a bare id to avoid
// path traversal out of dir.
func (s *Store) Open(ref string) (*os.File, error) {
	id := filepath.Base(ref)
	if id == "" || id == "." || id == "/" || id != filepath.Clean(id) {
		return nil, fmt.Errorf("audiostore: invalid ref %q", ref)
	}
	return os.Open(s.pathFor(id))
}

func (s *Store) pathFor(id string) string {
	return filepath.Join(s.dir, id+".wav")
}

// SweepOnce deletes every artifact in dir whose modification time is older
// than ttl, the Go equivalent of the original's hourly cleanup.utils sweep
// of files older than one hour (SPEC_FULL §12).
func (s *Store) SweepOnce(ttl time.Duration) (removed int, err error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("audiostore: readdir %q: %w", s.dir, err)
	}

	cutoff := time.Now().Add(-ttl)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.dir, e.Name())); err == nil {
				removed++
				metrics.AudioArtifactsExpired.Inc()
			}
		}
	}
	return removed, nil
}

// RunCleanupLoop sweeps every interval until ctx is cancelled. Intended to
// be launched once as a background goroutine from cmd/server.
func RunCleanupLoop(ctx context.Context, s *Store, interval, ttl time.Duration, logger orchestrator.Logger) {
	if logger == nil {
		logger = &orchestrator.NoOpLogger{}
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.SweepOnce(ttl)
			if err != nil {
				logger.Warn("audiostore cleanup sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				logger.Info("audiostore cleanup swept artifacts", "removed", removed)
			}
		}
	}
}

var _ orchestrator.AudioStore = (*Store)(nil)
