package segmenter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/example/pixelforge/internal/logging"
)

// Engine runs the segmentation model on PNG bytes and returns PNG bytes
// whose background pixels are transparent.
type Engine interface {
	RemoveBackground(ctx context.Context, png []byte) ([]byte, error)
	Close() error
}

// EngineFactory loads the named model variant.
type EngineFactory func(model string) (Engine, error)

// ErrNotReady is returned when the engine cannot be (re)initialized.
var ErrNotReady = errors.New("segmentation session not ready")

// Session holds the one engine shared by every request.
type Session struct {
	model   string
	factory EngineFactory
	logger  *zap.Logger

	mu      sync.Mutex
	engine  Engine
	initErr error
	inits   int
}

// NewSession loads the model eagerly. A failure here should stop the
// process before it starts serving.
func NewSession(model string, factory EngineFactory, logger *zap.Logger) (*Session, error) {
	s := &Session{
		model:   model,
		factory: factory,
		logger:  logger.Named("segmenter"),
	}
	if _, err := s.ensureEngine(); err != nil {
		return nil, err
	}
	return s, nil
}

// Model names the loaded variant.
func (s *Session) Model() string {
	return s.model
}

// RemoveBackground delegates to the engine, re-initializing it first if it
// was released.
func (s *Session) RemoveBackground(ctx context.Context, png []byte) ([]byte, error) {
	engine, err := s.ensureEngine()
	if err != nil {
		return nil, err
	}
	out, err := engine.RemoveBackground(ctx, png)
	if err != nil {
		return nil, fmt.Errorf("remove background with %s: %w", s.model, err)
	}
	return out, nil
}

// Health reports readiness and the last load failure. A closed session is
// still ready since the next request reloads the engine.
func (s *Session) Health() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initErr == nil, s.initErr
}

// Close releases the engine. A later call re-initializes it.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine == nil {
		return nil
	}
	err := s.engine.Close()
	s.engine = nil
	return err
}

func (s *Session) ensureEngine() (Engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine != nil {
		return s.engine, nil
	}

	if s.inits > 0 {
		s.logger.Warn("segmentation engine unset, reloading", zap.String("model", s.model))
	}
	s.inits++
	engine, err := s.factory(s.model)
	if err != nil {
		wrapped := logging.NewOperationError("segmenter.load_model", "", fmt.Errorf("could not load model %s: %w", s.model, err))
		s.initErr = wrapped
		s.logger.Error("model loading failed", zap.Error(wrapped))
		return nil, errors.Join(ErrNotReady, wrapped)
	}
	s.engine = engine
	s.initErr = nil
	s.logger.Info("loaded model", zap.String("model", s.model))
	return engine, nil
}
