package device

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nexus-voice-lab/internal/audio"
	"github.com/nexus-voice-lab/internal/config"
	"github.com/nexus-voice-lab/internal/logging"
)

// ErrDeviceNotFound is returned when a requested input cannot be opened.
var ErrDeviceNotFound = errors.New("audio device not found")

// startupGrace is how long Open waits for ffmpeg to either produce audio or
// exit, so a bad device fails the Open call instead of the first Read.
const startupGrace = 1500 * time.Millisecond

// FFmpegCapture records from a platform input through an ffmpeg child
// process emitting mono s16le on stdout.
type FFmpegCapture struct {
	Path          string
	Format        string
	DefaultDevice string
	// run executes helper commands such as pactl; replaced in tests.
	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func NewFFmpegCapture(cfg config.AudioConfig) *FFmpegCapture {
	c := &FFmpegCapture{
		Path:          cfg.FFmpegPath,
		Format:        cfg.InputFormat,
		DefaultDevice: cfg.InputDevice,
		run:           runCommand,
	}
	if c.Path == "" {
		c.Path = "ffmpeg"
	}
	if c.Format == "" {
		c.Format = defaultInputFormat()
	}
	return c
}

func defaultInputFormat() string {
	switch runtime.GOOS {
	case "darwin":
		return "avfoundation"
	case "windows":
		return "dshow"
	default:
		return "pulse"
	}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// inputName maps a device id onto the ffmpeg input syntax of the format.
func (c *FFmpegCapture) inputName(deviceID string) string {
	if deviceID == "" {
		deviceID = c.DefaultDevice
	}
	switch c.Format {
	case "avfoundation":
		if deviceID == "" {
			return ":default"
		}
		if !strings.HasPrefix(deviceID, ":") {
			return ":" + deviceID
		}
		return deviceID
	case "dshow":
		if !strings.HasPrefix(deviceID, "audio=") {
			return "audio=" + deviceID
		}
		return deviceID
	default:
		if deviceID == "" {
			return "default"
		}
		return deviceID
	}
}

func (c *FFmpegCapture) args(cons audio.Constraints) []string {
	rate := cons.SampleRate
	if rate <= 0 {
		rate = audio.InputSampleRate
	}
	return []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-f", c.Format, "-i", c.inputName(cons.DeviceID),
		"-ac", "1", "-ar", strconv.Itoa(rate),
		"-f", "s16le", "-",
	}
}

func (c *FFmpegCapture) Open(ctx context.Context, cons audio.Constraints) (audio.Track, error) {
	if cons.EchoCancellation || cons.NoiseSuppression || cons.AutoGainControl {
		logging.Debugw("ffmpeg capture: processing hints are not supported and are ignored")
	}
	cmd := exec.Command(c.Path, c.args(cons)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", c.Path, err)
	}

	id := c.inputName(cons.DeviceID)
	p := &procTrack{cmd: cmd, exited: make(chan struct{})}
	p.queue = newQueueTrack(id, audio.InputSampleRate*5, p.kill)
	first := make(chan struct{})
	go p.pump(stdout, first)
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()

	select {
	case <-first:
		logging.Debugw("ffmpeg capture: opened", logging.DeviceFields(id, "")...)
		return p, nil
	case <-p.exited:
		msg := strings.TrimSpace(stderr.String())
		return nil, fmt.Errorf("%w: %s: %s", ErrDeviceNotFound, id, msg)
	case <-ctx.Done():
		_ = p.Stop()
		return nil, ctx.Err()
	case <-time.After(startupGrace):
		// some inputs stay silent until the first buffer fills
		return p, nil
	}
}

// Devices lists inputs. Only PulseAudio sources can be enumerated; other
// formats report the configured device if one is set.
func (c *FFmpegCapture) Devices(ctx context.Context) ([]audio.DeviceInfo, error) {
	if c.Format == "pulse" {
		out, err := c.run(ctx, "pactl", "list", "short", "sources")
		if err != nil {
			return nil, fmt.Errorf("pactl: %w", err)
		}
		return parsePactlSources(out), nil
	}
	if c.DefaultDevice != "" {
		return []audio.DeviceInfo{{DeviceID: c.DefaultDevice, Label: c.DefaultDevice}}, nil
	}
	return []audio.DeviceInfo{}, nil
}

// parsePactlSources reads `pactl list short sources`, skipping monitor
// sources of output sinks.
func parsePactlSources(out []byte) []audio.DeviceInfo {
	devices := []audio.DeviceInfo{}
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Split(sc.Text(), "\t")
		if len(fields) < 2 {
			continue
		}
		name := strings.TrimSpace(fields[1])
		if name == "" || strings.HasSuffix(name, ".monitor") {
			continue
		}
		label := name
		if len(fields) >= 4 {
			label = fmt.Sprintf("%s (%s)", name, strings.TrimSpace(fields[3]))
		}
		devices = append(devices, audio.DeviceInfo{DeviceID: name, Label: label})
	}
	return devices
}

// procTrack adapts a capture process to audio.Track.
type procTrack struct {
	cmd     *exec.Cmd
	queue   *queueTrack
	exited  chan struct{}
	waitErr error
	mu      sync.Mutex
}

func (p *procTrack) pump(r io.Reader, first chan struct{}) {
	br := bufio.NewReaderSize(r, 8192)
	chunk := make([]byte, 3200)
	var carry []byte
	signalled := false
	for {
		n, err := br.Read(chunk)
		if n > 0 {
			data := append(carry, chunk[:n]...)
			even := len(data) &^ 1
			p.queue.push(audio.PCM16ToFloat32(data[:even]))
			carry = append([]byte(nil), data[even:]...)
			if !signalled {
				close(first)
				signalled = true
			}
		}
		if err != nil {
			// a process that ends on its own ends the track too
			_ = p.queue.Stop()
			return
		}
	}
}

func (p *procTrack) kill() {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.exited:
		return
	default:
	}
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

func (p *procTrack) Read(dst []float32) (int, error) { return p.queue.Read(dst) }

func (p *procTrack) Stop() error {
	err := p.queue.Stop()
	<-p.exited
	return err
}

func (p *procTrack) DeviceID() string { return p.queue.DeviceID() }
