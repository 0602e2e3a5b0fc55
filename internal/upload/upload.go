// Package upload materialises request bodies as short-lived files for
// path-based decoders.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/Brownie44l1/vision-api/pkg/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultSuffix = ".jpg"
	filePrefix    = "upload-"
)

var ErrWrite = errors.New("failed to write upload")

// Store creates one uniquely named file per upload inside Dir.
type Store struct {
	dir     string
	suffix  string
	metrics *metrics.Manager
	log     zerolog.Logger
}

type Option func(*Store)

// WithDir sets the directory for temp files. Empty means os.TempDir().
func WithDir(dir string) Option {
	return func(s *Store) {
		if dir != "" {
			s.dir = dir
		}
	}
}

func WithSuffix(suffix string) Option {
	return func(s *Store) { s.suffix = suffix }
}

func WithMetrics(m *metrics.Manager) Option {
	return func(s *Store) {
		if m != nil {
			s.metrics = m
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l }
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		dir:     os.TempDir(),
		suffix:  DefaultSuffix,
		metrics: metrics.Default(),
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Dir() string { return s.dir }

// With copies r into a fresh file, calls fn with its path and removes the
// file before returning, whether fn succeeds, fails or panics.
func (s *Store) With(ctx context.Context, r io.Reader, size int64, fn func(path string) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path := filepath.Join(s.dir, filePrefix+uuid.NewString()+s.suffix)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		s.metrics.RecordInferenceError(metrics.StageUpload)
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	s.metrics.UploadStarted(size)
	defer func() {
		s.metrics.UploadFinished()
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Error().Err(err).Str("path", path).Msg("failed to remove upload")
		}
	}()

	_, err = io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		s.metrics.RecordInferenceError(metrics.StageUpload)
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}

	return fn(path)
}
