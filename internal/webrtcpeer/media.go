package webrtcpeer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/engine"
)

// ErrNoDevice is returned by Acquire when no media kind is configured.
var ErrNoDevice = errors.New("webrtcpeer: no media device available")

const (
	DefaultSampleInterval = 20 * time.Millisecond
	streamID              = "aero-call"
)

var (
	// Opus silence frame.
	opusSilence = []byte{0xf8, 0xff, 0xfe}
	// Not a decodable frame. It only keeps RTP flowing.
	vp8Placeholder = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x01, 0x00, 0x01, 0x00}
)

// SyntheticMedia is a MediaSource that produces placeholder audio and video
// samples instead of reading real capture devices.
type SyntheticMedia struct {
	Audio bool
	Video bool

	// Interval between samples. Defaults to DefaultSampleInterval.
	Interval time.Duration
}

var _ engine.MediaSource = SyntheticMedia{}

func (s SyntheticMedia) Acquire(ctx context.Context) (engine.LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.Audio && !s.Video {
		return nil, ErrNoDevice
	}
	interval := s.Interval
	if interval <= 0 {
		interval = DefaultSampleInterval
	}

	m := &syntheticTracks{
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if s.Audio {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio", streamID,
		)
		if err != nil {
			return nil, fmt.Errorf("create audio track: %w", err)
		}
		m.tracks = append(m.tracks, newSampleTrack(engine.MediaAudio, track, opusSilence))
	}
	if s.Video {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", streamID,
		)
		if err != nil {
			return nil, fmt.Errorf("create video track: %w", err)
		}
		m.tracks = append(m.tracks, newSampleTrack(engine.MediaVideo, track, vp8Placeholder))
	}

	go m.pump()
	return m, nil
}

type sampleTrack struct {
	kind    engine.MediaKind
	track   *webrtc.TrackLocalStaticSample
	payload []byte
	enabled atomic.Bool
}

func newSampleTrack(kind engine.MediaKind, track *webrtc.TrackLocalStaticSample, payload []byte) *sampleTrack {
	st := &sampleTrack{kind: kind, track: track, payload: payload}
	st.enabled.Store(true)
	return st
}

type syntheticTracks struct {
	tracks   []*sampleTrack
	interval time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func (m *syntheticTracks) pump() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			for _, st := range m.tracks {
				if !st.enabled.Load() {
					continue
				}
				// Unbound tracks drop samples silently.
				_ = st.track.WriteSample(media.Sample{Data: st.payload, Duration: m.interval})
			}
		}
	}
}

func (m *syntheticTracks) Tracks() []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(m.tracks))
	for _, st := range m.tracks {
		out = append(out, st.track)
	}
	return out
}

func (m *syntheticTracks) SetEnabled(kind engine.MediaKind, enabled bool) bool {
	found := false
	for _, st := range m.tracks {
		if st.kind == kind {
			st.enabled.Store(enabled)
			found = true
		}
	}
	return found && enabled
}

func (m *syntheticTracks) Enabled(kind engine.MediaKind) bool {
	for _, st := range m.tracks {
		if st.kind == kind && st.enabled.Load() {
			return true
		}
	}
	return false
}

func (m *syntheticTracks) Release() {
	m.stopOnce.Do(func() {
		close(m.stop)
		<-m.done
	})
}
