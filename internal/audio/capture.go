package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
)

// Microphone acquires an exclusive handle on an input device. Closing the
// returned stream must release the device.
type Microphone interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// MicrophoneAccessError reports a denied permission or a missing device.
type MicrophoneAccessError struct {
	Err error
}

func (e *MicrophoneAccessError) Error() string {
	return fmt.Sprintf("microphone access: %v", e.Err)
}

func (e *MicrophoneAccessError) Unwrap() error { return e.Err }

var (
	ErrNoDevice         = errors.New("no input device available")
	ErrPermissionDenied = errors.New("permission denied")
)

// Blob is one captured utterance.
type Blob struct {
	Data     []byte
	MIMEType string
}

func (b Blob) Size() int { return len(b.Data) }

func (b Blob) Empty() bool { return len(b.Data) == 0 }

// CaptureService owns the microphone handle and the recorded-audio buffer.
type CaptureService struct {
	mic        Microphone
	sampleRate int
	logger     *zap.Logger

	mu     sync.Mutex
	stream io.ReadCloser
	done   chan struct{}

	pcmMu sync.Mutex
	pcm   bytes.Buffer
}

func NewCaptureService(mic Microphone, sampleRate int, logger *zap.Logger) *CaptureService {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CaptureService{mic: mic, sampleRate: sampleRate, logger: logger}
}

// Start acquires the microphone and begins buffering. It is a no-op while capturing.
func (s *CaptureService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(ctx)
}

// Stop releases the device and returns everything captured since Start.
// It returns an empty blob, without touching the device, when not capturing.
func (s *CaptureService) Stop() Blob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked()
}

// Restart stops and immediately starts again under a single lock, so no
// caller observes the gap between release and re-acquisition.
func (s *CaptureService) Restart(ctx context.Context) (Blob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob := s.stopLocked()
	return blob, s.startLocked(ctx)
}

func (s *CaptureService) Capturing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream != nil
}

// Buffered returns the number of PCM bytes captured so far.
func (s *CaptureService) Buffered() int {
	s.pcmMu.Lock()
	defer s.pcmMu.Unlock()
	return s.pcm.Len()
}

func (s *CaptureService) startLocked(ctx context.Context) error {
	if s.stream != nil {
		return nil
	}
	if s.mic == nil {
		return &MicrophoneAccessError{Err: ErrNoDevice}
	}
	stream, err := s.mic.Open(ctx)
	if err != nil {
		var accessErr *MicrophoneAccessError
		if errors.As(err, &accessErr) {
			return accessErr
		}
		return &MicrophoneAccessError{Err: err}
	}

	s.pcmMu.Lock()
	s.pcm.Reset()
	s.pcmMu.Unlock()

	s.stream = stream
	s.done = make(chan struct{})
	go s.readLoop(stream, s.done)
	s.logger.Debug("microphone acquired")
	return nil
}

func (s *CaptureService) stopLocked() Blob {
	if s.stream == nil {
		return Blob{}
	}
	stream, done := s.stream, s.done
	s.stream = nil
	s.done = nil

	if err := stream.Close(); err != nil {
		s.logger.Warn("microphone release failed", zap.Error(err))
	}
	<-done
	s.logger.Debug("microphone released")

	s.pcmMu.Lock()
	pcm := append([]byte(nil), s.pcm.Bytes()...)
	s.pcm.Reset()
	s.pcmMu.Unlock()

	if len(pcm) == 0 {
		return Blob{}
	}
	wav, err := EncodeWAVPCM16LE(pcm, s.sampleRate)
	if err != nil {
		s.logger.Error("wav encode failed", zap.Error(err))
		return Blob{}
	}
	return Blob{Data: wav, MIMEType: MIMEWAV}
}

func (s *CaptureService) readLoop(stream io.Reader, done chan struct{}) {
	defer close(done)
	chunk := make([]byte, 4096)
	for {
		n, err := stream.Read(chunk)
		if n > 0 {
			s.pcmMu.Lock()
			s.pcm.Write(chunk[:n])
			s.pcmMu.Unlock()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				s.logger.Debug("microphone stream ended", zap.Error(err))
			}
			return
		}
	}
}
