package emotion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
)

const DefaultFrameSkip = 5

// Frame is one raw camera frame.
type Frame struct {
	Seq   int64
	Image []byte
}

// FrameStream yields frames until closed. Closing releases the camera.
type FrameStream interface {
	Next(ctx context.Context) (Frame, error)
	Close() error
}

// Camera acquires an exclusive handle on a video device.
type Camera interface {
	Open(ctx context.Context) (FrameStream, error)
}

// Classifier turns a frame into per-label expression scores.
type Classifier interface {
	Classify(ctx context.Context, frame Frame) (Detection, error)
}

// CameraAccessError reports a denied permission or a missing camera. It only
// disables the facial contribution; conversation continues without it.
type CameraAccessError struct {
	Err error
}

func (e *CameraAccessError) Error() string {
	return fmt.Sprintf("camera access: %v", e.Err)
}

func (e *CameraAccessError) Unwrap() error { return e.Err }

var ErrCameraBusy = errors.New("camera already in use")

// Sampler reads camera frames, classifies every Nth one and feeds the smoother.
type Sampler struct {
	camera     Camera
	classifier Classifier
	smoother   *Smoother
	skip       int
	logger     *zap.Logger
	onUpdate   func(*Payload)

	mu      sync.Mutex
	running bool
}

func NewSampler(camera Camera, classifier Classifier, smoother *Smoother, skip int, logger *zap.Logger) *Sampler {
	if skip <= 0 {
		skip = DefaultFrameSkip
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sampler{
		camera:     camera,
		classifier: classifier,
		smoother:   smoother,
		skip:       skip,
		logger:     logger,
	}
}

// OnUpdate registers a hook receiving every emitted payload (nil means cleared).
func (s *Sampler) OnUpdate(fn func(*Payload)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUpdate = fn
}

// Run samples until ctx is done or the stream ends. It returns a
// *CameraAccessError when the camera cannot be acquired.
func (s *Sampler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return &CameraAccessError{Err: ErrCameraBusy}
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	stream, err := s.camera.Open(ctx)
	if err != nil {
		var accessErr *CameraAccessError
		if errors.As(err, &accessErr) {
			return accessErr
		}
		return &CameraAccessError{Err: err}
	}

	var closeOnce sync.Once
	release := func() { closeOnce.Do(func() { _ = stream.Close() }) }
	defer release()
	stop := context.AfterFunc(ctx, release)
	defer stop()

	s.logger.Info("facial sampling started", zap.Int("frame_skip", s.skip))
	var frames int64
	for {
		frame, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				s.logger.Info("facial sampling stopped", zap.Int64("frames", frames))
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}
		frames++
		if frames%int64(s.skip) != 0 {
			continue
		}

		det, err := s.classifier.Classify(ctx, frame)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Debug("classify frame failed", zap.Int64("seq", frame.Seq), zap.Error(err))
			continue
		}
		payload, emit := s.smoother.Observe(det)
		if !emit {
			continue
		}
		s.mu.Lock()
		hook := s.onUpdate
		s.mu.Unlock()
		if hook != nil {
			hook(payload)
		}
	}
}
