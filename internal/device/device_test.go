package device

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-voice-lab/internal/audio"
	"github.com/nexus-voice-lab/internal/config"
)

func TestQueueTrackDropsOldest(t *testing.T) {
	q := newQueueTrack("mic", 4, nil)
	q.push([]float32{1, 2, 3})
	q.push([]float32{4, 5, 6})

	dst := make([]float32, 8)
	n, err := q.Read(dst)
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 4, 5, 6}, dst[:n])
	assert.Equal(t, 2, q.dropped)
}

func TestQueueTrackStopUnblocksRead(t *testing.T) {
	stops := 0
	q := newQueueTrack("mic", 0, func() { stops++ })
	errs := make(chan error, 1)
	go func() {
		_, err := q.Read(make([]float32, 4))
		errs <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Stop())
	require.NoError(t, q.Stop())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, audio.ErrTrackStopped)
	case <-time.After(time.Second):
		t.Fatal("Read still blocked after Stop")
	}
	assert.Equal(t, 1, stops)
	q.push([]float32{1})
	assert.True(t, q.isStopped())
}

func TestParsePactlSources(t *testing.T) {
	out := []byte("0\talsa_output.pci.analog-stereo.monitor\tmodule-alsa-card.c\ts16le 2ch 44100Hz\tSUSPENDED\n" +
		"1\talsa_input.usb-mic.mono-fallback\tmodule-alsa-card.c\ts16le 1ch 48000Hz\tRUNNING\n" +
		"garbage\n" +
		"2\tbluez_input.headset\tmodule-bluez5-device.c\n")

	devices := parsePactlSources(out)
	require.Len(t, devices, 2)
	assert.Equal(t, "alsa_input.usb-mic.mono-fallback", devices[0].DeviceID)
	assert.Equal(t, "alsa_input.usb-mic.mono-fallback (s16le 1ch 48000Hz)", devices[0].Label)
	assert.Equal(t, audio.DeviceInfo{DeviceID: "bluez_input.headset", Label: "bluez_input.headset"}, devices[1])
}

func TestFFmpegArgs(t *testing.T) {
	c := NewFFmpegCapture(config.AudioConfig{InputFormat: "pulse", InputDevice: "default"})
	assert.Equal(t, []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-f", "pulse", "-i", "usb-mic",
		"-ac", "1", "-ar", "16000",
		"-f", "s16le", "-",
	}, c.args(audio.VoiceConstraints("usb-mic", 16000)))
	assert.Equal(t, "default", c.inputName(""))

	mac := NewFFmpegCapture(config.AudioConfig{InputFormat: "avfoundation"})
	assert.Equal(t, ":default", mac.inputName(""))
	assert.Equal(t, ":1", mac.inputName("1"))

	win := NewFFmpegCapture(config.AudioConfig{InputFormat: "dshow"})
	assert.Equal(t, "audio=Microphone", win.inputName("Microphone"))
	assert.Equal(t, "audio=Microphone", win.inputName("audio=Microphone"))
}

func TestFFmpegDevices(t *testing.T) {
	c := NewFFmpegCapture(config.AudioConfig{InputFormat: "pulse"})
	c.run = func(_ context.Context, name string, args ...string) ([]byte, error) {
		assert.Equal(t, "pactl", name)
		assert.Equal(t, []string{"list", "short", "sources"}, args)
		return []byte("3\tmic\tmodule\ts16le 1ch 16000Hz\tIDLE\n"), nil
	}
	devices, err := c.Devices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []audio.DeviceInfo{{DeviceID: "mic", Label: "mic (s16le 1ch 16000Hz)"}}, devices)

	c.run = func(context.Context, string, ...string) ([]byte, error) { return nil, errors.New("no pulse") }
	_, err = c.Devices(context.Background())
	assert.ErrorContains(t, err, "pactl")

	mac := NewFFmpegCapture(config.AudioConfig{InputFormat: "avfoundation"})
	devices, err = mac.Devices(context.Background())
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestFFmpegOpenMissingBinary(t *testing.T) {
	c := NewFFmpegCapture(config.AudioConfig{FFmpegPath: "/nonexistent/ffmpeg", InputFormat: "pulse"})
	_, err := c.Open(context.Background(), audio.VoiceConstraints("", 16000))
	assert.Error(t, err)
}

type bufferCloser struct {
	bytes.Buffer
	closed bool
}

func (b *bufferCloser) Close() error { b.closed = true; return nil }

func TestFFplaySinkRestartsAfterFlush(t *testing.T) {
	s := NewFFplaySink("", 24000)
	var started, stopped int
	var pipes []*bufferCloser
	s.start = func(path string, args []string) (io.WriteCloser, func() error, error) {
		assert.Equal(t, "ffplay", path)
		assert.Contains(t, args, "24000")
		started++
		p := &bufferCloser{}
		pipes = append(pipes, p)
		return p, func() error { stopped++; return nil }, nil
	}

	require.NoError(t, s.Write([]float32{0.5, -0.5}))
	require.NoError(t, s.Write([]float32{0}))
	assert.Equal(t, 1, started)
	assert.Equal(t, 6, pipes[0].Len())

	require.NoError(t, s.Flush())
	assert.Equal(t, 1, stopped)
	require.NoError(t, s.Write([]float32{0.25}))
	assert.Equal(t, 2, started)

	require.NoError(t, s.Close())
	assert.Equal(t, 2, stopped)
	assert.ErrorIs(t, s.Write([]float32{0}), io.ErrClosedPipe)
}

type constDecoder struct{ value int16 }

func (d constDecoder) Decode(_ []byte, pcm []int16) (int, error) {
	for i := 0; i < discordFrame*discordChannels; i++ {
		pcm[i] = d.value
	}
	return discordFrame, nil
}

type countingDecoders struct {
	mu    sync.Mutex
	count int
	err   error
}

func (c *countingDecoders) make() (frameDecoder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	c.count++
	return constDecoder{value: 16384}, nil
}

func (c *countingDecoders) made() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func readAtLeast(t *testing.T, tr audio.Track, n int) []float32 {
	t.Helper()
	var got []float32
	buf := make([]float32, 1024)
	for len(got) < n {
		k, err := tr.Read(buf)
		require.NoError(t, err)
		got = append(got, buf[:k]...)
	}
	return got
}

func TestDiscordCaptureDecodesPerSpeaker(t *testing.T) {
	recv := make(chan *discordgo.Packet, 4)
	decs := &countingDecoders{}
	c := NewDiscordCapture("discord:42", recv, decs.make)

	devices, err := c.Devices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "discord:42", devices[0].DeviceID)

	tr, err := c.Open(context.Background(), audio.VoiceConstraints("discord:42", 16000))
	require.NoError(t, err)
	assert.Equal(t, "discord:42", tr.DeviceID())

	_, err = c.Open(context.Background(), audio.VoiceConstraints("", 16000))
	assert.Error(t, err, "one reader at a time")

	recv <- &discordgo.Packet{SSRC: 1, Opus: []byte{1}}
	recv <- &discordgo.Packet{SSRC: 2, Opus: []byte{1}}
	recv <- &discordgo.Packet{SSRC: 1, Opus: nil}
	recv <- &discordgo.Packet{SSRC: 1, Opus: []byte{1}}

	got := readAtLeast(t, tr, 3*320)
	assert.Len(t, got, 3*320, "20 ms at 48 kHz becomes 320 samples at 16 kHz")
	assert.InDelta(t, 0.5, got[100], 1e-3)
	assert.Equal(t, 3, decs.made(), "one startup check plus one decoder per SSRC")

	require.NoError(t, tr.Stop())
	tr2, err := c.Open(context.Background(), audio.Constraints{})
	require.NoError(t, err, "released after stop")
	require.NoError(t, tr2.Stop())
}

func TestDiscordCaptureRejectsOtherDevice(t *testing.T) {
	c := NewDiscordCapture("discord:42", make(chan *discordgo.Packet), (&countingDecoders{}).make)
	_, err := c.Open(context.Background(), audio.Constraints{DeviceID: "usb-mic"})
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestDiscordCaptureWithoutCodec(t *testing.T) {
	c := NewDiscordCapture("discord:42", make(chan *discordgo.Packet), (&countingDecoders{err: ErrOpusUnavailable}).make)
	_, err := c.Open(context.Background(), audio.Constraints{})
	assert.ErrorIs(t, err, ErrOpusUnavailable)
}

func TestDiscordCaptureEndsWhenConnectionCloses(t *testing.T) {
	recv := make(chan *discordgo.Packet)
	c := NewDiscordCapture("discord:42", recv, (&countingDecoders{}).make)
	tr, err := c.Open(context.Background(), audio.Constraints{})
	require.NoError(t, err)
	close(recv)
	_, err = tr.Read(make([]float32, 8))
	assert.ErrorIs(t, err, audio.ErrTrackStopped)
}

type lenEncoder struct{ frames int }

func (e *lenEncoder) Encode(pcm []int16, data []byte) (int, error) {
	e.frames++
	data[0] = byte(len(pcm) / 100)
	return 1, nil
}

func TestDiscordSinkFramesAndSpeaking(t *testing.T) {
	send := make(chan []byte, 4)
	var speaking []bool
	enc := &lenEncoder{}
	s := NewDiscordSink(24000, send, func(on bool) error { speaking = append(speaking, on); return nil }, enc)

	tone := make([]float32, 240)
	for i := range tone {
		tone[i] = 0.25
	}
	require.NoError(t, s.Write(tone))
	assert.Zero(t, enc.frames, "half a frame is held back")
	require.NoError(t, s.Write(tone))
	require.Len(t, send, 1)
	assert.Equal(t, []byte{byte(discordFrame * discordChannels / 100)}, <-send)

	require.NoError(t, s.Write(make([]float32, 480)))
	assert.Len(t, send, 0, "silence is not sent")
	assert.Equal(t, []bool{true, false}, speaking)

	require.NoError(t, s.Write(tone))
	require.NoError(t, s.Flush())
	require.NoError(t, s.Write(tone))
	assert.Equal(t, 1, enc.frames, "flush drops the partial frame")

	require.NoError(t, s.Close())
	assert.Error(t, s.Write(tone))
}

type recordSink struct {
	mu     sync.Mutex
	writes int
	closed bool
}

func (r *recordSink) Write([]float32) error {
	r.mu.Lock()
	r.writes++
	r.mu.Unlock()
	return nil
}

func (r *recordSink) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func TestBackendPlaybackUsesSink(t *testing.T) {
	var sinkRate int
	closed := false
	sink := &recordSink{}
	b := NewBackend("test", nil, func(rate int) (audio.Sink, error) {
		sinkRate = rate
		return sink, nil
	}, func() error { closed = true; return nil })

	out, err := b.NewPlayback(audio.OutputSampleRate)
	require.NoError(t, err)
	assert.Equal(t, audio.OutputSampleRate, sinkRate)
	assert.Equal(t, audio.OutputSampleRate, out.SampleRate())
	assert.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.writes > 0
	}, time.Second, 10*time.Millisecond, "render loop is running")
	require.NoError(t, out.Close())
	assert.True(t, sink.closed)
	require.NoError(t, b.Close())
	assert.True(t, closed)
}

func TestOpenUnknownBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Audio.Backend = "alsa"
	_, err := Open(context.Background(), cfg)
	assert.ErrorContains(t, err, "unknown audio backend")
}
