package emotion

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	cameraStartupGrace = 200 * time.Millisecond
	cameraStopTimeout  = 1200 * time.Millisecond
	maxFrameBytes      = 8 << 20
)

var (
	ErrNoCamera      = errors.New("no camera available")
	errFrameTooLarge = errors.New("frame exceeds size limit")
)

// CommandCamera spawns a capture process that writes an MJPEG stream to
// stdout, e.g. `ffmpeg -f v4l2 -i /dev/video0 -vf fps=25 -f mjpeg -`.
type CommandCamera struct {
	command string
}

func NewCommandCamera(command string) *CommandCamera {
	return &CommandCamera{command: strings.TrimSpace(command)}
}

func (c *CommandCamera) Open(ctx context.Context) (FrameStream, error) {
	fields := strings.Fields(c.command)
	if len(fields) == 0 {
		return nil, &CameraAccessError{Err: ErrNoCamera}
	}
	path, err := exec.LookPath(fields[0])
	if err != nil {
		return nil, &CameraAccessError{Err: fmt.Errorf("%w: %s not found", ErrNoCamera, fields[0])}
	}

	cmd := exec.Command(path, fields[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	if err := cmd.Start(); err != nil {
		return nil, &CameraAccessError{Err: err}
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
		return nil, &CameraAccessError{Err: ctx.Err()}
	case err := <-exited:
		msg := strings.TrimSpace(stderr.String())
		if msg == "" && err != nil {
			msg = err.Error()
		}
		return nil, &CameraAccessError{Err: fmt.Errorf("%w: %s", ErrNoCamera, msg)}
	case <-time.After(cameraStartupGrace):
	}

	return &mjpegStream{
		cmd:    cmd,
		pr:     pr,
		exited: exited,
		split:  newJPEGSplitter(pr),
	}, nil
}

type mjpegStream struct {
	cmd    *exec.Cmd
	pr     *io.PipeReader
	exited chan error
	split  *jpegSplitter
	seq    int64

	closeOnce sync.Once
}

func (s *mjpegStream) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	img, err := s.split.Next()
	if err != nil {
		return Frame{}, err
	}
	s.seq++
	return Frame{Seq: s.seq, Image: img}, nil
}

func (s *mjpegStream) Close() error {
	s.closeOnce.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Signal(os.Interrupt)
			select {
			case <-time.After(cameraStopTimeout):
				_ = s.cmd.Process.Kill()
				<-s.exited
			case <-s.exited:
			}
		}
		_ = s.pr.Close()
	})
	return nil
}

// jpegSplitter cuts a concatenated JPEG stream on SOI (FFD8) / EOI (FFD9) markers.
type jpegSplitter struct {
	r *bufio.Reader
}

func newJPEGSplitter(r io.Reader) *jpegSplitter {
	return &jpegSplitter{r: bufio.NewReaderSize(r, 64<<10)}
}

func (j *jpegSplitter) Next() ([]byte, error) {
	if err := j.seekSOI(); err != nil {
		return nil, err
	}
	frame := []byte{0xFF, 0xD8}
	var prev byte
	for {
		b, err := j.r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		frame = append(frame, b)
		if prev == 0xFF && b == 0xD9 {
			return frame, nil
		}
		if len(frame) > maxFrameBytes {
			return nil, errFrameTooLarge
		}
		prev = b
	}
}

func (j *jpegSplitter) seekSOI() error {
	var prev byte
	for {
		b, err := j.r.ReadByte()
		if err != nil {
			return err
		}
		if prev == 0xFF && b == 0xD8 {
			return nil
		}
		prev = b
	}
}
