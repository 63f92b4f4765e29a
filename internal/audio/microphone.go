package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	recorderStartupGrace = 150 * time.Millisecond
	recorderStopTimeout  = 1200 * time.Millisecond
)

// CommandMicrophone records by spawning an external recorder that writes raw
// PCM16LE mono to stdout (arecord, sox, ffmpeg). Releasing the device stops the process.
type CommandMicrophone struct {
	command string
}

func NewCommandMicrophone(command string) *CommandMicrophone {
	return &CommandMicrophone{command: strings.TrimSpace(command)}
}

func (m *CommandMicrophone) Open(ctx context.Context) (io.ReadCloser, error) {
	fields := strings.Fields(m.command)
	if len(fields) == 0 {
		return nil, &MicrophoneAccessError{Err: ErrNoDevice}
	}
	path, err := exec.LookPath(fields[0])
	if err != nil {
		return nil, &MicrophoneAccessError{Err: fmt.Errorf("%w: %s not found", ErrNoDevice, fields[0])}
	}

	// The recorder must outlive ctx, which only bounds acquisition.
	cmd := exec.Command(path, fields[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	pr, pw := io.Pipe()
	cmd.Stdout = pw

	if err := cmd.Start(); err != nil {
		return nil, &MicrophoneAccessError{Err: err}
	}

	exited := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		_ = pw.CloseWithError(io.EOF)
		exited <- err
	}()

	select {
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-exited
		return nil, &MicrophoneAccessError{Err: ctx.Err()}
	case err := <-exited:
		msg := strings.TrimSpace(stderr.String())
		if msg == "" && err != nil {
			msg = err.Error()
		}
		return nil, &MicrophoneAccessError{Err: classifyRecorderFailure(msg)}
	case <-time.After(recorderStartupGrace):
	}

	return &recorderStream{cmd: cmd, pr: pr, exited: exited}, nil
}

func classifyRecorderFailure(msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "permission"):
		return fmt.Errorf("%w: %s", ErrPermissionDenied, msg)
	case msg == "":
		return ErrNoDevice
	default:
		return fmt.Errorf("%w: %s", ErrNoDevice, msg)
	}
}

type recorderStream struct {
	cmd    *exec.Cmd
	pr     *io.PipeReader
	exited chan error

	closeOnce sync.Once
}

func (s *recorderStream) Read(p []byte) (int, error) { return s.pr.Read(p) }

func (s *recorderStream) Close() error {
	s.closeOnce.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Signal(os.Interrupt)
			select {
			case <-time.After(recorderStopTimeout):
				_ = s.cmd.Process.Kill()
				<-s.exited
			case <-s.exited:
			}
		}
		_ = s.pr.Close()
	})
	return nil
}

// MockMicrophone replays scripted PCM chunks and counts device acquisitions.
type MockMicrophone struct {
	Chunks   [][]byte
	Interval time.Duration
	// Loop keeps emitting Chunks until released instead of stopping after one pass.
	Loop bool
	Err  error

	acquired atomic.Int64
	released atomic.Int64
	active   atomic.Int64
}

func NewMockMicrophone(chunks ...[]byte) *MockMicrophone {
	return &MockMicrophone{Chunks: chunks}
}

func (m *MockMicrophone) Open(ctx context.Context) (io.ReadCloser, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.active.Load() > 0 {
		return nil, errors.New("mock microphone already acquired")
	}
	m.acquired.Add(1)
	m.active.Add(1)

	pr, pw := io.Pipe()
	stop := make(chan struct{})
	go func() {
		for {
			for _, chunk := range m.Chunks {
				if m.Interval > 0 {
					select {
					case <-stop:
						return
					case <-time.After(m.Interval):
					}
				}
				if _, err := pw.Write(chunk); err != nil {
					return
				}
			}
			if !m.Loop || len(m.Chunks) == 0 {
				break
			}
		}
		<-stop
	}()
	return &mockStream{mic: m, pr: pr, pw: pw, stop: stop}, nil
}

func (m *MockMicrophone) Acquired() int64 { return m.acquired.Load() }

func (m *MockMicrophone) Released() int64 { return m.released.Load() }

func (m *MockMicrophone) Active() bool { return m.active.Load() > 0 }

type mockStream struct {
	mic  *MockMicrophone
	pr   *io.PipeReader
	pw   *io.PipeWriter
	stop chan struct{}
	once sync.Once
}

func (s *mockStream) Read(p []byte) (int, error) { return s.pr.Read(p) }

func (s *mockStream) Close() error {
	s.once.Do(func() {
		close(s.stop)
		_ = s.pw.CloseWithError(io.EOF)
		s.mic.released.Add(1)
		s.mic.active.Add(-1)
	})
	return nil
}
