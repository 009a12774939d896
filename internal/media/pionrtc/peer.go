package pionrtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"secureconnect-callagent/internal/media"
	"secureconnect-callagent/pkg/logger"
)

type peerConnection struct {
	pc *webrtc.PeerConnection

	mu      sync.Mutex
	senders []*sender
}

func (p *peerConnection) AddTrack(track media.Track) (media.Sender, error) {
	local, ok := track.(*LocalTrack)
	if !ok {
		return nil, fmt.Errorf("track %s was not created by this platform", track.ID())
	}

	rtpSender, err := p.pc.AddTrack(local.Local())
	if err != nil {
		return nil, err
	}
	go drainRTCP(rtpSender)

	s := &sender{rtp: rtpSender, track: local}
	p.mu.Lock()
	p.senders = append(p.senders, s)
	p.mu.Unlock()
	return s, nil
}

// drainRTCP keeps reading RTCP so the sender's interceptors stay healthy
func drainRTCP(s *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := s.Read(buf); err != nil {
			return
		}
	}
}

func (p *peerConnection) Senders() []media.Sender {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]media.Sender, 0, len(p.senders))
	for _, s := range p.senders {
		out = append(out, s)
	}
	return out
}

func (p *peerConnection) CreateOffer(ctx context.Context) (media.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return media.SessionDescription{}, err
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return media.SessionDescription{}, err
	}
	return fromPion(offer), nil
}

func (p *peerConnection) CreateAnswer(ctx context.Context) (media.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return media.SessionDescription{}, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return media.SessionDescription{}, err
	}
	return fromPion(answer), nil
}

func (p *peerConnection) SetLocalDescription(desc media.SessionDescription) error {
	return p.pc.SetLocalDescription(toPion(desc))
}

func (p *peerConnection) SetRemoteDescription(desc media.SessionDescription) error {
	return p.pc.SetRemoteDescription(toPion(desc))
}

func (p *peerConnection) RemoteDescription() *media.SessionDescription {
	desc := p.pc.RemoteDescription()
	if desc == nil {
		return nil
	}
	out := fromPion(*desc)
	return &out
}

func (p *peerConnection) AddICECandidate(c media.ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (p *peerConnection) CreateDataChannel(label string, opts media.DataChannelOptions) (media.DataChannel, error) {
	ordered := opts.Ordered
	init := &webrtc.DataChannelInit{Ordered: &ordered}
	if opts.MaxPacketLifeTime > 0 {
		lifetime := uint16(opts.MaxPacketLifeTime / time.Millisecond)
		init.MaxPacketLifeTime = &lifetime
	}

	dc, err := p.pc.CreateDataChannel(label, init)
	if err != nil {
		return nil, err
	}
	return &dataChannel{dc: dc}, nil
}

func (p *peerConnection) OnICECandidate(fn func(media.ICECandidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil {
			return
		}
		init := c.ToJSON()
		fn(media.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

func (p *peerConnection) OnConnectionStateChange(fn func(media.ConnectionState)) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(media.ConnectionState(s.String()))
	})
}

func (p *peerConnection) OnTrack(fn func(media.RemoteTrack)) {
	p.pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(media.RemoteTrack{
			ID:       t.ID(),
			Kind:     media.Kind(t.Kind().String()),
			StreamID: t.StreamID(),
		})
		go drainRemote(t)
	})
}

// drainRemote consumes inbound RTP; the agent does not render media
func drainRemote(t *webrtc.TrackRemote) {
	for {
		if _, _, err := t.ReadRTP(); err != nil {
			logger.Debug("Remote track ended",
				zap.String("track_id", t.ID()),
				zap.Error(err))
			return
		}
	}
}

func (p *peerConnection) OnDataChannel(fn func(media.DataChannel)) {
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		fn(&dataChannel{dc: dc})
	})
}

func (p *peerConnection) ConnectionState() media.ConnectionState {
	return media.ConnectionState(p.pc.ConnectionState().String())
}

func (p *peerConnection) GetStats(ctx context.Context) (media.Stats, error) {
	if err := ctx.Err(); err != nil {
		return media.Stats{}, err
	}

	out := media.Stats{Timestamp: time.Now()}
	for _, s := range p.pc.GetStats() {
		switch st := s.(type) {
		case webrtc.InboundRTPStreamStats:
			if st.Kind != "video" {
				continue
			}
			out.InboundVideo = &media.InboundStats{
				PacketsReceived: uint64(st.PacketsReceived),
				PacketsLost:     int64(st.PacketsLost),
				BytesReceived:   st.BytesReceived,
				// pion reports interarrival jitter in seconds
				JitterBufferDelay: time.Duration(st.Jitter * float64(time.Second)),
			}
		case webrtc.ICECandidatePairStats:
			if st.State == webrtc.StatsICECandidatePairStateSucceeded {
				out.RoundTripTime = time.Duration(st.CurrentRoundTripTime * float64(time.Second))
			}
		}
	}
	return out, nil
}

func (p *peerConnection) Close() error {
	return p.pc.Close()
}

func toPion(desc media.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(string(desc.Type)), SDP: desc.SDP}
}

func fromPion(desc webrtc.SessionDescription) media.SessionDescription {
	return media.SessionDescription{Type: media.SDPType(desc.Type.String()), SDP: desc.SDP}
}

// sender wraps an RTP sender. pion v3 cannot change per-encoding limits on
// the sender, so they are handed to the local track for its source.
type sender struct {
	rtp *webrtc.RTPSender

	mu     sync.Mutex
	track  *LocalTrack
	params media.EncodingParameters
}

func (s *sender) Track() media.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.track == nil {
		return nil
	}
	return s.track
}

func (s *sender) ReplaceTrack(track media.Track) error {
	local, ok := track.(*LocalTrack)
	if !ok {
		return fmt.Errorf("track %s was not created by this platform", track.ID())
	}
	if err := s.rtp.ReplaceTrack(local.Local()); err != nil {
		return err
	}

	s.mu.Lock()
	s.track = local
	params := s.params
	s.mu.Unlock()
	local.setEncoding(params)
	return nil
}

func (s *sender) Parameters() media.EncodingParameters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

func (s *sender) SetParameters(params media.EncodingParameters) error {
	s.mu.Lock()
	s.params = params
	track := s.track
	s.mu.Unlock()
	if track != nil {
		track.setEncoding(params)
	}
	return nil
}

type dataChannel struct {
	dc *webrtc.DataChannel
}

func (d *dataChannel) Label() string { return d.dc.Label() }

func (d *dataChannel) IsOpen() bool {
	return d.dc.ReadyState() == webrtc.DataChannelStateOpen
}

func (d *dataChannel) SendText(text string) error { return d.dc.SendText(text) }
func (d *dataChannel) OnOpen(fn func())           { d.dc.OnOpen(fn) }
func (d *dataChannel) Close() error               { return d.dc.Close() }

func (d *dataChannel) OnMessage(fn func([]byte)) {
	d.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data)
	})
}
