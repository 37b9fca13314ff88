package bundle

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/wolfman30/phi-deid-engine/internal/phierr"
	"github.com/wolfman30/phi-deid-engine/pkg/logging"
)

// Source resolves the configuration bundle new scans run under.
type Source interface {
	Active(ctx context.Context) (*Bundle, error)
}

// StaticSource serves a fixed set of bundles.
type StaticSource struct {
	bundles []*Bundle
}

func NewStaticSource(bundles ...*Bundle) *StaticSource {
	return &StaticSource{bundles: bundles}
}

func (s *StaticSource) Active(context.Context) (*Bundle, error) {
	return Latest(s.bundles)
}

// FileSource reads bundles from a YAML file and reloads them when the file's
// modification time changes. A reload that fails keeps serving the last good
// bundles.
type FileSource struct {
	path   string
	logger *logging.Logger

	mu      sync.Mutex
	modTime time.Time
	bundles []*Bundle
}

// NewFileSource loads path eagerly so a broken file fails at startup.
func NewFileSource(path string, logger *logging.Logger) (*FileSource, error) {
	if logger == nil {
		logger = logging.Default()
	}
	s := &FileSource{path: path, logger: logger}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileSource) Active(ctx context.Context) (*Bundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("bundle: active: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(s.path)
	if err != nil {
		s.logger.Warn("config bundle stat failed, serving cached bundle", "path", s.path, "error", err)
	} else if !info.ModTime().Equal(s.modTime) {
		if err := s.reloadLocked(); err != nil {
			s.logger.Error("config bundle reload failed, serving cached bundle", "path", s.path, "error", err)
		}
	}
	return Latest(s.bundles)
}

func (s *FileSource) reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloadLocked()
}

func (s *FileSource) reloadLocked() error {
	info, err := os.Stat(s.path)
	if err != nil {
		return phierr.Configuration("bundle.load", "path", err)
	}
	bundles, err := LoadFile(s.path)
	if err != nil {
		return err
	}
	s.bundles = bundles
	s.modTime = info.ModTime()
	s.logger.Info("config bundles loaded", "path", s.path, "versions", len(bundles))
	return nil
}
