// Package mediatest provides an in-memory media platform for tests.
package mediatest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"secureconnect-callagent/internal/media"
)

// OfferSDP and AnswerSDP are minimal well-formed session descriptions
const (
	OfferSDP  = "v=0\r\no=- 4611731400430051336 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=audio 9 UDP/TLS/RTP/SAVPF 111\r\nc=IN IP4 0.0.0.0\r\na=mid:0\r\na=sendrecv\r\n"
	AnswerSDP = "v=0\r\no=- 4611731400430051337 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=audio 9 UDP/TLS/RTP/SAVPF 111\r\nc=IN IP4 0.0.0.0\r\na=mid:0\r\na=sendrecv\r\n"
)

var seq atomic.Int64

func nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, seq.Add(1))
}

// HostCandidate returns a parseable host candidate on the given port
func HostCandidate(port int) media.ICECandidate {
	mid := "0"
	var idx uint16
	return media.ICECandidate{
		Candidate:     fmt.Sprintf("candidate:1 1 udp 2130706431 192.168.1.10 %d typ host", port),
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
}

// Track is a fake local track
type Track struct {
	mu      sync.Mutex
	id      string
	kind    media.Kind
	device  string
	enabled bool
	stopped bool
	onEnded []func()
}

// NewTrack creates an enabled track
func NewTrack(kind media.Kind, deviceID string) *Track {
	return &Track{id: nextID(string(kind)), kind: kind, device: deviceID, enabled: true}
}

func (t *Track) ID() string       { return t.id }
func (t *Track) Kind() media.Kind { return t.kind }
func (t *Track) DeviceID() string { return t.device }

func (t *Track) OnEnded(fn func()) {
	t.mu.Lock()
	t.onEnded = append(t.onEnded, fn)
	t.mu.Unlock()
}

func (t *Track) SetEnabled(on bool) {
	t.mu.Lock()
	t.enabled = on
	t.mu.Unlock()
}

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Track) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// End simulates the platform ending the track
func (t *Track) End() {
	t.mu.Lock()
	t.stopped = true
	fns := append([]func(){}, t.onEnded...)
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Sender is a fake RTP sender
type Sender struct {
	mu         sync.Mutex
	track      media.Track
	params     media.EncodingParameters
	setCount   int
	ReplaceErr error
}

func (s *Sender) Track() media.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *Sender) ReplaceTrack(track media.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ReplaceErr != nil {
		return s.ReplaceErr
	}
	s.track = track
	return nil
}

func (s *Sender) Parameters() media.EncodingParameters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

func (s *Sender) SetParameters(p media.EncodingParameters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = p
	s.setCount++
	return nil
}

// SetCount returns how many times parameters were applied
func (s *Sender) SetCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setCount
}

// DataChannel is a fake data channel
type DataChannel struct {
	mu        sync.Mutex
	label     string
	open      bool
	closed    bool
	sent      []string
	onOpen    []func()
	onMessage []func([]byte)
}

// NewDataChannel creates a closed, not-yet-open channel
func NewDataChannel(label string) *DataChannel {
	return &DataChannel{label: label}
}

func (d *DataChannel) Label() string { return d.label }

func (d *DataChannel) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open && !d.closed
}

func (d *DataChannel) SendText(text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open || d.closed {
		return fmt.Errorf("data channel %s not open", d.label)
	}
	d.sent = append(d.sent, text)
	return nil
}

func (d *DataChannel) OnOpen(fn func()) {
	d.mu.Lock()
	d.onOpen = append(d.onOpen, fn)
	d.mu.Unlock()
}

func (d *DataChannel) OnMessage(fn func([]byte)) {
	d.mu.Lock()
	d.onMessage = append(d.onMessage, fn)
	d.mu.Unlock()
}

func (d *DataChannel) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

// Open marks the channel open and fires OnOpen
func (d *DataChannel) Open() {
	d.mu.Lock()
	d.open = true
	fns := append([]func(){}, d.onOpen...)
	d.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Receive delivers an inbound message
func (d *DataChannel) Receive(data []byte) {
	d.mu.Lock()
	fns := append([]func([]byte){}, d.onMessage...)
	d.mu.Unlock()
	for _, fn := range fns {
		fn(data)
	}
}

// Sent returns the messages sent so far
func (d *DataChannel) Sent() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.sent...)
}

// PeerConnection is a fake negotiation session
type PeerConnection struct {
	mu           sync.Mutex
	senders      []*Sender
	local        *media.SessionDescription
	remote       *media.SessionDescription
	candidates   []media.ICECandidate
	channels     []*DataChannel
	dcOpts       media.DataChannelOptions
	state        media.ConnectionState
	closed       bool
	stats        media.Stats
	onCandidate  func(media.ICECandidate)
	onState      func(media.ConnectionState)
	onTrack      func(media.RemoteTrack)
	onDataChan   func(media.DataChannel)
	OfferErr     error
	AnswerErr    error
	RemoteErr    error
	CandidateErr error
	StatsErr     error
}

// NewPeerConnection creates a fake in the new state
func NewPeerConnection() *PeerConnection {
	return &PeerConnection{state: media.StateNew}
}

func (p *PeerConnection) AddTrack(track media.Track) (media.Sender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &Sender{track: track}
	p.senders = append(p.senders, s)
	return s, nil
}

func (p *PeerConnection) Senders() []media.Sender {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]media.Sender, 0, len(p.senders))
	for _, s := range p.senders {
		out = append(out, s)
	}
	return out
}

// FakeSenders returns the concrete senders
func (p *PeerConnection) FakeSenders() []*Sender {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Sender(nil), p.senders...)
}

// SenderOf returns the first sender whose track has the kind
func (p *PeerConnection) SenderOf(kind media.Kind) *Sender {
	for _, s := range p.FakeSenders() {
		if t := s.Track(); t != nil && t.Kind() == kind {
			return s
		}
	}
	return nil
}

func (p *PeerConnection) CreateOffer(ctx context.Context) (media.SessionDescription, error) {
	if p.OfferErr != nil {
		return media.SessionDescription{}, p.OfferErr
	}
	return media.SessionDescription{Type: media.SDPTypeOffer, SDP: OfferSDP}, nil
}

func (p *PeerConnection) CreateAnswer(ctx context.Context) (media.SessionDescription, error) {
	if p.AnswerErr != nil {
		return media.SessionDescription{}, p.AnswerErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return media.SessionDescription{}, fmt.Errorf("no remote description")
	}
	return media.SessionDescription{Type: media.SDPTypeAnswer, SDP: AnswerSDP}, nil
}

func (p *PeerConnection) SetLocalDescription(desc media.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = &desc
	return nil
}

func (p *PeerConnection) SetRemoteDescription(desc media.SessionDescription) error {
	if p.RemoteErr != nil {
		return p.RemoteErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = &desc
	return nil
}

func (p *PeerConnection) LocalDescription() *media.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

func (p *PeerConnection) RemoteDescription() *media.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *PeerConnection) AddICECandidate(c media.ICECandidate) error {
	if p.CandidateErr != nil {
		return p.CandidateErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		return fmt.Errorf("remote description not set")
	}
	p.candidates = append(p.candidates, c)
	return nil
}

// Candidates returns the applied remote candidates in order
func (p *PeerConnection) Candidates() []media.ICECandidate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]media.ICECandidate(nil), p.candidates...)
}

func (p *PeerConnection) CreateDataChannel(label string, opts media.DataChannelOptions) (media.DataChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	dc := NewDataChannel(label)
	p.channels = append(p.channels, dc)
	p.dcOpts = opts
	return dc, nil
}

// DataChannels returns the locally created channels
func (p *PeerConnection) DataChannels() []*DataChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*DataChannel(nil), p.channels...)
}

// DataChannelOptions returns the options of the last created channel
func (p *PeerConnection) DataChannelOptions() media.DataChannelOptions {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dcOpts
}

func (p *PeerConnection) OnICECandidate(fn func(media.ICECandidate)) {
	p.mu.Lock()
	p.onCandidate = fn
	p.mu.Unlock()
}

func (p *PeerConnection) OnConnectionStateChange(fn func(media.ConnectionState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

func (p *PeerConnection) OnTrack(fn func(media.RemoteTrack)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *PeerConnection) OnDataChannel(fn func(media.DataChannel)) {
	p.mu.Lock()
	p.onDataChan = fn
	p.mu.Unlock()
}

func (p *PeerConnection) ConnectionState() media.ConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *PeerConnection) GetStats(ctx context.Context) (media.Stats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.StatsErr != nil {
		return media.Stats{}, p.StatsErr
	}
	stats := p.stats
	if p.stats.InboundVideo != nil {
		in := *p.stats.InboundVideo
		stats.InboundVideo = &in
	}
	if stats.Timestamp.IsZero() {
		stats.Timestamp = time.Now()
	}
	return stats, nil
}

// SetStats scripts the next statistics report
func (p *PeerConnection) SetStats(stats media.Stats) {
	p.mu.Lock()
	p.stats = stats
	p.mu.Unlock()
}

func (p *PeerConnection) Close() error {
	p.mu.Lock()
	p.closed = true
	p.state = media.StateClosed
	p.mu.Unlock()
	return nil
}

// Closed reports whether Close was called
func (p *PeerConnection) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// SetState changes the state and fires the callback
func (p *PeerConnection) SetState(state media.ConnectionState) {
	p.mu.Lock()
	p.state = state
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

// EmitCandidate fires a local ICE candidate
func (p *PeerConnection) EmitCandidate(c media.ICECandidate) {
	p.mu.Lock()
	fn := p.onCandidate
	p.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

// EmitTrack fires an inbound track
func (p *PeerConnection) EmitTrack(t media.RemoteTrack) {
	p.mu.Lock()
	fn := p.onTrack
	p.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

// DeliverDataChannel fires the inbound data channel callback
func (p *PeerConnection) DeliverDataChannel(dc *DataChannel) {
	p.mu.Lock()
	fn := p.onDataChan
	p.mu.Unlock()
	if fn != nil {
		fn(dc)
	}
}

// Platform is a fake media platform
type Platform struct {
	mu           sync.Mutex
	devices      []media.DeviceInfo
	pcs          []*PeerConnection
	tracks       []*Track
	UserMediaErr error
	DisplayErr   error
	EnumerateErr error
	NewPCErr     error
	// FailDevices makes capture on these device ids fail
	FailDevices map[string]error
}

// NewPlatform creates a platform with one device of each kind
func NewPlatform() *Platform {
	return &Platform{
		devices: []media.DeviceInfo{
			{DeviceID: "mic-1", Kind: media.DeviceAudioInput, Label: "Microphone 1"},
			{DeviceID: "mic-2", Kind: media.DeviceAudioInput, Label: "Microphone 2"},
			{DeviceID: "cam-1", Kind: media.DeviceVideoInput, Label: "Camera 1"},
			{DeviceID: "cam-2", Kind: media.DeviceVideoInput, Label: "Camera 2"},
			{DeviceID: "speaker-1", Kind: media.DeviceAudioOutput, Label: "Speaker 1"},
		},
		FailDevices: make(map[string]error),
	}
}

func (p *Platform) GetUserMedia(ctx context.Context, c media.Constraints) (*media.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.UserMediaErr != nil {
		return nil, p.UserMediaErr
	}

	stream := media.NewStream(nextID("stream"))
	if c.Audio {
		dev := firstOr(c.AudioDeviceID, "mic-1")
		if err := p.FailDevices[dev]; err != nil {
			return nil, err
		}
		t := NewTrack(media.KindAudio, dev)
		p.tracks = append(p.tracks, t)
		stream.AddTrack(t)
	}
	if c.Video {
		dev := firstOr(c.VideoDeviceID, "cam-1")
		if err := p.FailDevices[dev]; err != nil {
			return nil, err
		}
		t := NewTrack(media.KindVideo, dev)
		p.tracks = append(p.tracks, t)
		stream.AddTrack(t)
	}
	return stream, nil
}

func (p *Platform) GetDisplayMedia(ctx context.Context) (*media.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.DisplayErr != nil {
		return nil, p.DisplayErr
	}
	t := NewTrack(media.KindVideo, "screen")
	p.tracks = append(p.tracks, t)
	return media.NewStream(nextID("screen"), t), nil
}

func (p *Platform) EnumerateDevices(ctx context.Context) ([]media.DeviceInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.EnumerateErr != nil {
		return nil, p.EnumerateErr
	}
	return append([]media.DeviceInfo(nil), p.devices...), nil
}

func (p *Platform) NewPeerConnection() (media.PeerConnection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.NewPCErr != nil {
		return nil, p.NewPCErr
	}
	pc := NewPeerConnection()
	p.pcs = append(p.pcs, pc)
	return pc, nil
}

// PeerConnections returns every connection created so far
func (p *Platform) PeerConnections() []*PeerConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*PeerConnection(nil), p.pcs...)
}

// LastPeerConnection returns the most recently created connection
func (p *Platform) LastPeerConnection() *PeerConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pcs) == 0 {
		return nil
	}
	return p.pcs[len(p.pcs)-1]
}

// Tracks returns every track handed out
func (p *Platform) Tracks() []*Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Track(nil), p.tracks...)
}

func firstOr(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
