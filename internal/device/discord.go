package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nexus-voice-lab/internal/audio"
	"github.com/nexus-voice-lab/internal/config"
	"github.com/nexus-voice-lab/internal/logging"
)

const (
	discordRate     = 48000
	discordChannels = 2
	// discordFrame is one 20 ms opus frame per channel.
	discordFrame = 960
	// maxOpusFrame bounds a decoded 120 ms packet per channel.
	maxOpusFrame = 5760
)

// ErrOpusUnavailable is returned when the binary was built without the opus
// build tag.
var ErrOpusUnavailable = errors.New("opus codec not compiled in (build with -tags opus)")

type frameDecoder interface {
	Decode(data []byte, pcm []int16) (int, error)
}

type frameEncoder interface {
	Encode(pcm []int16, data []byte) (int, error)
}

// DiscordVoice is a joined guild voice channel used as microphone and
// speaker.
type DiscordVoice struct {
	session *discordgo.Session
	vc      *discordgo.VoiceConnection
	Capture *DiscordCapture
}

// JoinDiscord opens a gateway session and joins the configured voice
// channel.
func JoinDiscord(ctx context.Context, cfg config.DiscordConfig) (*DiscordVoice, error) {
	if cfg.Token == "" || cfg.GuildID == "" || cfg.VoiceChannelID == "" {
		return nil, errors.New("discord backend requires token, guild_id and voice_channel_id")
	}
	dg, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discordgo.New: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

	logging.Infow("opening discord session")
	if err := dg.Open(); err != nil {
		return nil, fmt.Errorf("discord session open: %w", err)
	}
	if err := ctx.Err(); err != nil {
		_ = dg.Close()
		return nil, err
	}

	logging.Infow("joining voice channel", "guild", cfg.GuildID, "channel", cfg.VoiceChannelID)
	vc, err := dg.ChannelVoiceJoin(cfg.GuildID, cfg.VoiceChannelID, false, false)
	if err != nil {
		_ = dg.Close()
		return nil, fmt.Errorf("voice join: %w", err)
	}
	vc.AddHandler(func(_ *discordgo.VoiceConnection, su *discordgo.VoiceSpeakingUpdate) {
		logging.Debugw("voice speaking update", "user", su.UserID, "ssrc", su.SSRC, "speaking", su.Speaking)
	})

	id := "discord:" + cfg.VoiceChannelID
	return &DiscordVoice{
		session: dg,
		vc:      vc,
		Capture: NewDiscordCapture(id, vc.OpusRecv, newOpusDecoder),
	}, nil
}

// NewSink returns a speaker that streams into the voice channel.
func (d *DiscordVoice) NewSink(rate int) (audio.Sink, error) {
	enc, err := newOpusEncoder()
	if err != nil {
		return nil, err
	}
	return NewDiscordSink(rate, d.vc.OpusSend, d.vc.Speaking, enc), nil
}

func (d *DiscordVoice) Close() error {
	var errs []error
	if err := d.vc.Disconnect(); err != nil {
		errs = append(errs, fmt.Errorf("voice disconnect: %w", err))
	}
	if err := d.session.Close(); err != nil {
		errs = append(errs, fmt.Errorf("session close: %w", err))
	}
	return errors.Join(errs...)
}

// DiscordCapture mixes every speaker in the channel down to a single mono
// 16 kHz track. Only one track reads the connection at a time.
type DiscordCapture struct {
	id         string
	recv       <-chan *discordgo.Packet
	newDecoder func() (frameDecoder, error)

	mu     sync.Mutex
	active *queueTrack
}

func NewDiscordCapture(id string, recv <-chan *discordgo.Packet, newDecoder func() (frameDecoder, error)) *DiscordCapture {
	return &DiscordCapture{id: id, recv: recv, newDecoder: newDecoder}
}

func (c *DiscordCapture) Devices(context.Context) ([]audio.DeviceInfo, error) {
	return []audio.DeviceInfo{{DeviceID: c.id, Label: "Discord voice channel"}}, nil
}

func (c *DiscordCapture) Open(ctx context.Context, cons audio.Constraints) (audio.Track, error) {
	if cons.DeviceID != "" && cons.DeviceID != c.id {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, cons.DeviceID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rate := cons.SampleRate
	if rate <= 0 {
		rate = audio.InputSampleRate
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil && !c.active.isStopped() {
		return nil, fmt.Errorf("discord capture %s already in use", c.id)
	}
	// open a decoder up front so a missing build tag fails here, not on first packet
	if _, err := c.newDecoder(); err != nil {
		return nil, err
	}
	done := make(chan struct{})
	track := newQueueTrack(c.id, rate*5, func() { close(done) })
	c.active = track
	go c.pump(track, rate, done)
	return track, nil
}

func (c *DiscordCapture) pump(track *queueTrack, rate int, done <-chan struct{}) {
	decoders := make(map[uint32]frameDecoder)
	pcm := make([]int16, maxOpusFrame*discordChannels)
	for {
		select {
		case <-done:
			return
		case pkt, ok := <-c.recv:
			if !ok {
				_ = track.Stop()
				return
			}
			if pkt == nil || len(pkt.Opus) == 0 {
				continue
			}
			dec, ok := decoders[pkt.SSRC]
			if !ok {
				d, err := c.newDecoder()
				if err != nil {
					logging.Warnw("discord capture: decoder init failed", "ssrc", pkt.SSRC, "error", err)
					continue
				}
				decoders[pkt.SSRC] = d
				dec = d
			}
			n, err := dec.Decode(pkt.Opus, pcm)
			if err != nil {
				logging.Debugw("discord capture: dropping undecodable packet", "ssrc", pkt.SSRC, "error", err)
				continue
			}
			stereo := audio.Int16ToFloat32(pcm[:n*discordChannels])
			track.push(audio.Resample(audio.Downmix(stereo, discordChannels), discordRate, rate))
		}
	}
}

// DiscordSink encodes rendered audio into 20 ms opus frames. Silent frames
// are not sent and clear the speaking flag.
type DiscordSink struct {
	rate     int
	send     chan<- []byte
	speaking func(bool) error
	enc      frameEncoder

	mu       sync.Mutex
	pending  []float32
	talking  bool
	closed   bool
	sendWait time.Duration
}

func NewDiscordSink(rate int, send chan<- []byte, speaking func(bool) error, enc frameEncoder) *DiscordSink {
	return &DiscordSink{rate: rate, send: send, speaking: speaking, enc: enc, sendWait: 100 * time.Millisecond}
}

func (s *DiscordSink) Write(samples []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("discord sink closed")
	}
	s.pending = append(s.pending, audio.Resample(samples, s.rate, discordRate)...)
	for len(s.pending) >= discordFrame {
		frame := s.pending[:discordFrame]
		if err := s.emitLocked(frame); err != nil {
			return err
		}
		s.pending = append(s.pending[:0], s.pending[discordFrame:]...)
	}
	return nil
}

func (s *DiscordSink) emitLocked(frame []float32) error {
	if silent(frame) {
		s.setSpeakingLocked(false)
		return nil
	}
	s.setSpeakingLocked(true)
	pcm := audio.Float32ToInt16(audio.Upmix(frame, discordChannels))
	buf := make([]byte, 1275)
	n, err := s.enc.Encode(pcm, buf)
	if err != nil {
		return fmt.Errorf("opus encode: %w", err)
	}
	select {
	case s.send <- buf[:n]:
	case <-time.After(s.sendWait):
		logging.Debugw("discord sink: voice connection not draining, frame dropped")
	}
	return nil
}

func (s *DiscordSink) setSpeakingLocked(on bool) {
	if s.talking == on {
		return
	}
	s.talking = on
	if s.speaking != nil {
		if err := s.speaking(on); err != nil {
			logging.Debugw("discord sink: speaking update failed", "error", err)
		}
	}
}

// Flush drops the partially filled frame.
func (s *DiscordSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = s.pending[:0]
	s.setSpeakingLocked(false)
	return nil
}

func (s *DiscordSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.pending = nil
	s.setSpeakingLocked(false)
	return nil
}

func silent(frame []float32) bool {
	for _, v := range frame {
		if v > 1.0/32768 || v < -1.0/32768 {
			return false
		}
	}
	return true
}
