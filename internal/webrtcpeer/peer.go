package webrtcpeer

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signaling/internal/engine"
)

// PeerFactory builds engine peers from one shared API. A nil API gets a
// default one on first use.
type PeerFactory struct {
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
}

var _ engine.PeerFactory = (*PeerFactory)(nil)

func (f *PeerFactory) NewPeer(h engine.PeerHandlers) (engine.Peer, error) {
	api := f.API
	if api == nil {
		var err error
		if api, err = NewAPI(Options{}); err != nil {
			return nil, err
		}
		f.API = api
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: f.ICEServers})
	if err != nil {
		return nil, err
	}
	p := &Peer{pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering.
		if c == nil || h.OnICECandidate == nil {
			return
		}
		h.OnICECandidate(c.ToJSON())
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if h.OnTrack != nil {
			h.OnTrack(track)
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if h.OnConnectionStateChange != nil {
			h.OnConnectionStateChange(s)
		}
	})
	return p, nil
}

// Peer is an engine.Peer over a pion PeerConnection.
type Peer struct {
	pc *webrtc.PeerConnection

	closeOnce sync.Once
	closeErr  error
}

var _ engine.Peer = (*Peer)(nil)

func (p *Peer) PeerConnection() *webrtc.PeerConnection { return p.pc }

func (p *Peer) AddTrack(track webrtc.TrackLocal) error {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return err
	}
	// RTCP has to be read for the interceptors (NACK, reports) to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (p *Peer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *Peer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *Peer) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *Peer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *Peer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.pc.Close()
	})
	return p.closeErr
}
