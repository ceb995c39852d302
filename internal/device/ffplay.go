package device

import (
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"github.com/nexus-voice-lab/internal/audio"
	"github.com/nexus-voice-lab/internal/logging"
)

// FFplaySink writes rendered audio into an ffplay child process. The process
// starts lazily on the first write and is restarted after Flush, which is the
// only way to discard what ffplay has already buffered.
type FFplaySink struct {
	path string
	rate int
	// start launches the player; replaced in tests.
	start func(path string, args []string) (io.WriteCloser, func() error, error)

	mu     sync.Mutex
	stdin  io.WriteCloser
	stop   func() error
	closed bool
}

func NewFFplaySink(path string, rate int) *FFplaySink {
	if path == "" {
		path = "ffplay"
	}
	return &FFplaySink{path: path, rate: rate, start: startPlayer}
}

func (s *FFplaySink) args() []string {
	return []string{
		"-hide_banner", "-loglevel", "error", "-nodisp", "-autoexit",
		"-fflags", "nobuffer", "-flags", "low_delay",
		"-f", "s16le", "-ar", strconv.Itoa(s.rate), "-ch_layout", "mono",
		"-i", "-",
	}
}

func startPlayer(path string, args []string) (io.WriteCloser, func() error, error) {
	cmd := exec.Command(path, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("start %s: %w", path, err)
	}
	stop := func() error {
		_ = stdin.Close()
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		_ = cmd.Wait()
		return nil
	}
	return stdin, stop, nil
}

func (s *FFplaySink) Write(samples []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return io.ErrClosedPipe
	}
	if s.stdin == nil {
		stdin, stop, err := s.start(s.path, s.args())
		if err != nil {
			return err
		}
		s.stdin, s.stop = stdin, stop
	}
	if _, err := s.stdin.Write(audio.Float32ToPCM16(samples)); err != nil {
		logging.Warnw("ffplay sink: write failed, restarting player", "error", err)
		s.resetLocked()
		return err
	}
	return nil
}

// Flush kills the player so queued audio stops immediately.
func (s *FFplaySink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
	return nil
}

func (s *FFplaySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.resetLocked()
	return nil
}

func (s *FFplaySink) resetLocked() {
	if s.stop != nil {
		_ = s.stop()
	}
	s.stdin, s.stop = nil, nil
}
