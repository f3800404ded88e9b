// Scoped scratch storage for request payloads
package scratch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrTooLarge is returned when a spooled payload exceeds its limit
var ErrTooLarge = errors.New("payload too large")

// Workspace is a directory of short-lived files
type Workspace struct {
	baseDir string
	logger  logrus.FieldLogger
}

// New creates a new Workspace rooted at baseDir, creating it if needed
func New(baseDir string, logger logrus.FieldLogger) (*Workspace, error) {
	if baseDir == "" {
		baseDir = filepath.Join(os.TempDir(), "photo-colorizer")
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	return &Workspace{baseDir: baseDir, logger: logger}, nil
}

// Dir returns the workspace root
func (w *Workspace) Dir() string {
	return w.baseDir
}

// Path resolves a key inside the workspace
func (w *Workspace) Path(key string) (string, error) {
	path := filepath.Join(w.baseDir, key)
	base := filepath.Clean(w.baseDir)
	if rel, err := filepath.Rel(base, filepath.Clean(path)); err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("invalid key %q: path traversal detected", key)
	}
	return path, nil
}

// Begin opens a scope whose files are all removed by Close
func (w *Workspace) Begin() *Scope {
	return &Scope{ws: w, id: uuid.NewString()}
}

// Sweep removes regular files older than maxAge and returns how many it removed
func (w *Workspace) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(w.baseDir)
	if err != nil {
		return 0, fmt.Errorf("read scratch directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	var errs []error
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// removed concurrently
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(w.baseDir, entry.Name())); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
			continue
		}
		removed++
	}

	if removed > 0 {
		w.logger.WithFields(logrus.Fields{"removed": removed, "max_age": maxAge}).Info("Swept stale scratch files")
	}
	return removed, errors.Join(errs...)
}

// RunSweeper sweeps every interval until ctx is done. onSweep, when not
// nil, receives the number of files each pass removed.
func (w *Workspace) RunSweeper(ctx context.Context, interval, maxAge time.Duration, onSweep func(removed int)) {
	if interval <= 0 || maxAge <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := w.Sweep(maxAge)
			if err != nil {
				w.logger.WithError(err).Warn("Scratch sweep failed")
			}
			if onSweep != nil {
				onSweep(removed)
			}
		}
	}
}

// Scope tracks the files created for one request
type Scope struct {
	ws *Workspace
	id string

	mu     sync.Mutex
	paths  []string
	closed bool
}

// ID identifies the scope; every file it creates starts with it
func (s *Scope) ID() string {
	return s.id
}

// Create opens a new file in the workspace. ext is taken from the file
// name hint and may be empty.
func (s *Scope) Create(nameHint string) (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("scratch scope %s is closed", s.id)
	}

	ext := strings.ToLower(filepath.Ext(filepath.Base(nameHint)))
	path, err := s.ws.Path(s.id + "-" + uuid.NewString() + ext)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("create scratch file: %w", err)
	}
	s.paths = append(s.paths, path)
	return f, nil
}

// Spool copies at most limit bytes of r into a new scratch file and returns
// its path. A payload longer than limit fails with ErrTooLarge.
func (s *Scope) Spool(r io.Reader, nameHint string, limit int64) (string, int64, error) {
	f, err := s.Create(nameHint)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, err := io.Copy(f, src)
	if err != nil {
		return "", n, fmt.Errorf("spool upload: %w", err)
	}
	if limit > 0 && n > limit {
		return "", n, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit)
	}
	return f.Name(), n, nil
}

// Files lists the paths created so far
func (s *Scope) Files() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.paths...)
}

// Close removes every file created by the scope. It is safe to call more
// than once.
func (s *Scope) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for _, path := range s.paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		s.ws.logger.WithError(err).WithField("scope", s.id).Warn("Failed to remove scratch files")
		return err
	}
	return nil
}
