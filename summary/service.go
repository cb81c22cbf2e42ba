package summary

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/country-engine/country"
)

// ImageFile is the cached image's name inside the cache directory.
const ImageFile = "summary.png"

// Service owns the most recently rendered summary image.
// The image is replaced wholesale on each Regenerate; reads never see
// a partially written image.
type Service struct {
	projector *Projector
	cacheDir  string
	log       *zap.Logger

	mu          sync.RWMutex
	image       []byte
	generatedAt time.Time
}

// NewService creates a summary service. An empty cacheDir keeps the
// image in memory only.
func NewService(reader country.Reader, cacheDir string, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		projector: NewProjector(reader),
		cacheDir:  cacheDir,
		log:       log.Named("summary"),
	}
}

// Regenerate projects, renders and stores a new image.
func (s *Service) Regenerate(ctx context.Context) error {
	proj, err := s.projector.Project(ctx)
	if err != nil {
		return err
	}

	img, err := Render(proj)
	if err != nil {
		return err
	}

	if s.cacheDir != "" {
		if err := writeFileAtomic(filepath.Join(s.cacheDir, ImageFile), img); err != nil {
			return fmt.Errorf("persist summary image: %w", err)
		}
	}

	s.mu.Lock()
	s.image = img
	s.generatedAt = time.Now().UTC()
	s.mu.Unlock()

	s.log.Info("summary image generated",
		zap.Int("total_countries", proj.Total),
		zap.Int("bytes", len(img)),
	)
	return nil
}

// Image returns the cached PNG, or country.ErrImageNotFound.
func (s *Service) Image() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.image == nil {
		return nil, country.ErrImageNotFound
	}
	return s.image, nil
}

// GeneratedAt reports when the cached image was produced; zero if none.
func (s *Service) GeneratedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generatedAt
}

// Load reads a previously persisted image from the cache directory.
// A missing file is not an error.
func (s *Service) Load() error {
	if s.cacheDir == "" {
		return nil
	}

	path := filepath.Join(s.cacheDir, ImageFile)
	img, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load summary image: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat summary image: %w", err)
	}

	s.mu.Lock()
	s.image = img
	s.generatedAt = info.ModTime().UTC()
	s.mu.Unlock()
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".summary-*.png")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
