// Package rtc implements the peer-session collaborator on pion. One
// PeerConnection per remote member; negotiation rides the store's signal
// envelopes.
package rtc

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/avdeyev/huddle/internal/domain"
)

// SendFunc delivers a negotiation payload to a room mate, normally
// Client.SendSignal. Failures are logged and dropped; signaling here is
// at-most-once by contract.
type SendFunc func(ctx context.Context, to domain.MemberID, payload json.RawMessage) error

type signalPayload struct {
	Kind          string `json:"kind"`
	SDP           string `json:"sdp,omitempty"`
	Candidate     string `json:"candidate,omitempty"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex,omitempty"`
}

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

type Manager struct {
	cfg  webrtc.Configuration
	send SendFunc

	mu    sync.Mutex
	peers map[domain.MemberID]*peer
}

type peer struct {
	pc      *webrtc.PeerConnection
	remote  domain.MemberID
	mu      sync.Mutex
	hasDesc bool
	pending []webrtc.ICECandidateInit
}

func NewManager(cfg webrtc.Configuration, send SendFunc) *Manager {
	return &Manager{cfg: cfg, send: send, peers: make(map[domain.MemberID]*peer)}
}

func (m *Manager) CreatePeer(remote domain.MemberID, initiator bool) {
	p, created := m.getOrCreate(remote)
	if !created {
		return
	}
	log.Info().Str("module", "rtc").Str("remote", string(remote)).Bool("initiator", initiator).Msg("peer created")
	if !initiator {
		return
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("remote", string(remote)).Msg("create offer")
		return
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("remote", string(remote)).Msg("set local offer")
		return
	}
	m.sendPayload(remote, signalPayload{Kind: "offer", SDP: offer.SDP})
}

func (m *Manager) getOrCreate(remote domain.MemberID) (*peer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.peers[remote]; ok {
		return p, false
	}
	pc, err := webrtc.NewPeerConnection(m.cfg)
	if err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("remote", string(remote)).Msg("new peer connection")
		return nil, false
	}
	p := &peer{pc: pc, remote: remote}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio); err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("add audio transceiver")
	}
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		ci := cand.ToJSON()
		out := signalPayload{Kind: "candidate", Candidate: ci.Candidate}
		if ci.SDPMid != nil {
			out.SDPMid = *ci.SDPMid
		}
		if ci.SDPMLineIndex != nil {
			out.SDPMLineIndex = *ci.SDPMLineIndex
		}
		m.sendPayload(remote, out)
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("remote", string(remote)).Str("peer_connection_state", s.String()).Msg("peer state")
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			m.ClosePeer(remote)
		}
	})
	m.peers[remote] = p
	return p, true
}

func (m *Manager) HandleSignal(env domain.Envelope) {
	var p signalPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("bad signal payload")
		return
	}
	switch p.Kind {
	case "offer":
		m.handleOffer(env.From, p)
	case "answer":
		m.handleAnswer(env.From, p)
	case "candidate":
		m.handleCandidate(env.From, p)
	default:
		log.Warn().Str("module", "rtc").Str("kind", p.Kind).Msg("unknown signal kind")
	}
}

func (m *Manager) handleOffer(remote domain.MemberID, in signalPayload) {
	p, _ := m.getOrCreate(remote)
	if p == nil {
		return
	}
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: in.SDP}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("remote", string(remote)).Msg("set remote offer")
		return
	}
	p.flushCandidates()
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("remote", string(remote)).Msg("create answer")
		return
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("remote", string(remote)).Msg("set local answer")
		return
	}
	m.sendPayload(remote, signalPayload{Kind: "answer", SDP: answer.SDP})
}

func (m *Manager) handleAnswer(remote domain.MemberID, in signalPayload) {
	m.mu.Lock()
	p, ok := m.peers[remote]
	m.mu.Unlock()
	if !ok {
		log.Warn().Str("module", "rtc").Str("remote", string(remote)).Msg("answer for unknown peer")
		return
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: in.SDP}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("remote", string(remote)).Msg("set remote answer")
		return
	}
	p.flushCandidates()
}

func (m *Manager) handleCandidate(remote domain.MemberID, in signalPayload) {
	m.mu.Lock()
	p, ok := m.peers[remote]
	m.mu.Unlock()
	if !ok {
		return
	}
	ci := webrtc.ICECandidateInit{Candidate: in.Candidate}
	if in.SDPMid != "" {
		ci.SDPMid = &in.SDPMid
	}
	ci.SDPMLineIndex = &in.SDPMLineIndex

	p.mu.Lock()
	ready := p.hasDesc
	if !ready {
		// Candidates arriving before the remote description are buffered.
		p.pending = append(p.pending, ci)
	}
	p.mu.Unlock()
	if ready {
		if err := p.pc.AddICECandidate(ci); err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("remote", string(remote)).Msg("add ice candidate")
		}
	}
}

func (p *peer) flushCandidates() {
	p.mu.Lock()
	p.hasDesc = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()
	for _, ci := range pending {
		if err := p.pc.AddICECandidate(ci); err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("remote", string(p.remote)).Msg("flush ice candidate")
		}
	}
}

func (m *Manager) ClosePeer(remote domain.MemberID) {
	m.mu.Lock()
	p, ok := m.peers[remote]
	delete(m.peers, remote)
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := p.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("remote", string(remote)).Msg("close error")
	} else {
		log.Info().Str("module", "rtc").Str("remote", string(remote)).Msg("peer closed")
	}
}

func (m *Manager) Cleanup() {
	m.mu.Lock()
	peers := m.peers
	m.peers = make(map[domain.MemberID]*peer)
	m.mu.Unlock()
	for remote, p := range peers {
		if err := p.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("remote", string(remote)).Msg("close error")
		}
	}
}

func (m *Manager) sendPayload(to domain.MemberID, p signalPayload) {
	if m.send == nil {
		return
	}
	b, err := json.Marshal(p)
	if err != nil {
		log.Error().Err(err).Str("module", "rtc").Msg("marshal signal payload")
		return
	}
	if err := m.send(context.Background(), to, b); err != nil {
		log.Warn().Err(err).Str("module", "rtc").Str("to", string(to)).Msg("signal send failed")
	}
}
