package audio

import (
	"context"
	"errors"
	"testing"
	"time"
)

func waitBuffered(t *testing.T, s *CaptureService, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s.Buffered() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Buffered() = %d, want >= %d", s.Buffered(), want)
}

func TestCaptureStartStopProducesWAV(t *testing.T) {
	mic := NewMockMicrophone([]byte{1, 2, 3, 4}, []byte{5, 6})
	s := NewCaptureService(mic, 16000, nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitBuffered(t, s, 6)

	blob := s.Stop()
	if blob.Empty() {
		t.Fatalf("Stop() returned empty blob")
	}
	if blob.MIMEType != MIMEWAV {
		t.Fatalf("MIMEType = %q, want %q", blob.MIMEType, MIMEWAV)
	}
	if blob.Size() != WAVHeaderSize+6 {
		t.Fatalf("Size() = %d, want %d", blob.Size(), WAVHeaderSize+6)
	}
	rate, err := WAVSampleRate(blob.Data)
	if err != nil || rate != 16000 {
		t.Fatalf("WAVSampleRate() = (%d, %v), want (16000, nil)", rate, err)
	}
	if mic.Released() != 1 || mic.Active() {
		t.Fatalf("device not released: released=%d active=%v", mic.Released(), mic.Active())
	}
}

func TestCaptureStartIsIdempotent(t *testing.T) {
	mic := NewMockMicrophone()
	s := NewCaptureService(mic, 16000, nil)

	for i := 0; i < 3; i++ {
		if err := s.Start(context.Background()); err != nil {
			t.Fatalf("Start() #%d error = %v", i, err)
		}
	}
	if mic.Acquired() != 1 {
		t.Fatalf("Acquired() = %d, want 1", mic.Acquired())
	}
	_ = s.Stop()
}

func TestCaptureStopWhenIdleReturnsEmptyWithoutRelease(t *testing.T) {
	mic := NewMockMicrophone()
	s := NewCaptureService(mic, 16000, nil)

	blob := s.Stop()
	if !blob.Empty() {
		t.Fatalf("Stop() size = %d, want 0", blob.Size())
	}
	if mic.Released() != 0 {
		t.Fatalf("Released() = %d, want 0", mic.Released())
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	_ = s.Stop()
	_ = s.Stop()
	if mic.Released() != 1 {
		t.Fatalf("Released() after double stop = %d, want 1", mic.Released())
	}
}

func TestCaptureStartWrapsAccessError(t *testing.T) {
	mic := &MockMicrophone{Err: ErrPermissionDenied}
	s := NewCaptureService(mic, 16000, nil)

	err := s.Start(context.Background())
	var accessErr *MicrophoneAccessError
	if !errors.As(err, &accessErr) {
		t.Fatalf("Start() error = %v, want *MicrophoneAccessError", err)
	}
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("Start() error = %v, want to wrap ErrPermissionDenied", err)
	}
	if s.Capturing() {
		t.Fatalf("Capturing() = true after failed start")
	}
}

func TestCaptureRestartKeepsDeviceHeld(t *testing.T) {
	mic := NewMockMicrophone([]byte{9, 9})
	s := NewCaptureService(mic, 8000, nil)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitBuffered(t, s, 2)

	blob, err := s.Restart(context.Background())
	if err != nil {
		t.Fatalf("Restart() error = %v", err)
	}
	if blob.Empty() {
		t.Fatalf("Restart() discarded the previous utterance")
	}
	if !s.Capturing() {
		t.Fatalf("Capturing() = false after restart")
	}
	if mic.Acquired() != 2 || mic.Released() != 1 {
		t.Fatalf("acquired/released = %d/%d, want 2/1", mic.Acquired(), mic.Released())
	}
	_ = s.Stop()
}

func TestCaptureWithoutDataReturnsEmpty(t *testing.T) {
	mic := NewMockMicrophone()
	s := NewCaptureService(mic, 16000, nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if blob := s.Stop(); !blob.Empty() {
		t.Fatalf("Stop() size = %d, want 0 for silent capture", blob.Size())
	}
}

func TestCommandMicrophoneMissingBinary(t *testing.T) {
	mic := NewCommandMicrophone("lumen-definitely-missing-recorder -q")
	_, err := mic.Open(context.Background())
	if !errors.Is(err, ErrNoDevice) {
		t.Fatalf("Open() error = %v, want ErrNoDevice", err)
	}
}
