// Package peer wraps one pion WebRTC peer connection: a single H.264 video
// track plus "input" and "control" data channels carrying translated
// pointer/keyboard events and resize/bitrate control messages between the
// viewer and this session's sandboxed application.
package peer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/sandboxrun/supervisor/internal/logging"
)

var log = logging.L("peer")

// playoutDelayURI signals to the browser that frames should render
// immediately instead of buffering in a jitter buffer tuned for calls,
// which matters for a sandboxed application's low-latency frame stream.
const playoutDelayURI = "http://www.webrtc.org/experiments/rtp-hdrext/playout-delay"

// ICEServer mirrors the subset of webrtc.ICEServer callers need to supply.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// Config configures one Peer.
type Config struct {
	ICEServers []ICEServer

	// OnInput is invoked for every decoded event on the "input" data
	// channel. Must not block.
	OnInput func(InputEvent)

	// OnControl is invoked for every decoded message on the "control"
	// data channel (resize requests, bitrate/FPS hints, keyframe
	// requests).
	OnControl func(ControlMessage)

	// OnCandidate is invoked for every local ICE candidate as pion
	// gathers it (trickle ICE). The caller forwards each one to the
	// viewer as an ice-candidate signaling message. Never invoked again
	// once gathering completes (pion signals that with a nil candidate,
	// which this package swallows).
	OnCandidate func(candidate string)

	// OnKeyframeRequest fires when the remote peer signals PLI/FIR
	// (picture loss) over RTCP, rate-limited to at most once per 500ms.
	OnKeyframeRequest func()

	// OnStateChange fires on every ICE/peer connection state transition.
	OnStateChange func(webrtc.PeerConnectionState)
}

// InputEvent is one pointer/keyboard event forwarded from the viewer.
type InputEvent struct {
	Type    string  `json:"type"` // "pointer_move", "pointer_button", "scroll", "key"
	X       float64 `json:"x,omitempty"`
	Y       float64 `json:"y,omitempty"`
	Button  int     `json:"button,omitempty"`
	Pressed bool    `json:"pressed,omitempty"`
	DeltaX  float64 `json:"deltaX,omitempty"`
	DeltaY  float64 `json:"deltaY,omitempty"`
	Key     string  `json:"key,omitempty"`
}

// ControlMessage is one out-of-band control request from the viewer.
type ControlMessage struct {
	Type   string `json:"type"` // "resize", "set_bitrate", "request_keyframe"
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
	Value  int    `json:"value,omitempty"`
}

// Peer is one viewer's WebRTC connection to a sandboxed application's
// frame stream.
type Peer struct {
	conn       *webrtc.PeerConnection
	videoTrack *webrtc.TrackLocalStaticSample
	controlDC  *webrtc.DataChannel
	cfg        Config
	lastKF     time.Time
}

// New creates a peer connection with a registered H.264 video track and
// input/control data channels, but does not yet negotiate — call
// CreateOffer to produce the SDP offer sent to the viewer, then
// SetRemoteAnswer once the viewer replies.
//
// This session always initiates negotiation (offers); the viewer only
// ever answers, and renegotiation is not supported, so a second
// CreateOffer on an already-negotiated peer returns an error.
func New(cfg Config) (*Peer, error) {
	iceServers := toWebrtcICEServers(cfg.ICEServers)

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}
	if err := mediaEngine.RegisterHeaderExtension(
		webrtc.RTPHeaderExtensionCapability{URI: playoutDelayURI},
		webrtc.RTPCodecTypeVideo,
	); err != nil {
		log.Warn("failed to register playout-delay extension (non-fatal)", "error", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))

	conn, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	p := &Peer{conn: conn, cfg: cfg}

	conn.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end-of-candidates marker, not a real candidate
		}
		if p.cfg.OnCandidate != nil {
			p.cfg.OnCandidate(c.ToJSON().Candidate)
		}
	})

	videoTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		},
		"video", "sandbox",
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("new video track: %w", err)
	}
	p.videoTrack = videoTrack

	sender, err := conn.AddTrack(videoTrack)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("add video track: %w", err)
	}
	go p.drainRTCP(sender)

	ordered := true
	inputDC, err := conn.CreateDataChannel("input", &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create input data channel: %w", err)
	}
	inputDC.OnMessage(func(msg webrtc.DataChannelMessage) {
		p.handleInputMessage(msg.Data)
	})

	controlDC, err := conn.CreateDataChannel("control", &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create control data channel: %w", err)
	}
	controlDC.OnMessage(func(msg webrtc.DataChannelMessage) {
		p.handleControlMessage(msg.Data)
	})
	p.controlDC = controlDC

	conn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Info("peer connection state changed", "state", state.String())
		if p.cfg.OnStateChange != nil {
			p.cfg.OnStateChange(state)
		}
	})

	return p, nil
}

// CreateOffer creates a local SDP offer, sets it as the local description,
// and returns its SDP immediately — it does not wait for ICE gathering to
// complete. Candidates trickle in afterward through Config.OnCandidate. It
// is only valid to call this once per Peer; a second call on an
// already-offered peer returns an error rather than attempting
// renegotiation.
func (p *Peer) CreateOffer() (string, error) {
	if p.conn.LocalDescription() != nil {
		return "", fmt.Errorf("peer: renegotiation is not supported, offer already created")
	}

	offer, err := p.conn.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := p.conn.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}

	ld := p.conn.LocalDescription()
	if ld == nil {
		return "", fmt.Errorf("local description not available after SetLocalDescription")
	}
	return ld.SDP, nil
}

// SetRemoteAnswer sets the viewer's SDP answer as the remote description,
// completing the offer/answer handshake CreateOffer began. Returns an
// error if no offer has been created yet, or if an answer was already set.
func (p *Peer) SetRemoteAnswer(answerSDP string) error {
	if p.conn.LocalDescription() == nil {
		return fmt.Errorf("peer: cannot set remote answer before an offer has been created")
	}
	if p.conn.RemoteDescription() != nil {
		return fmt.Errorf("peer: remote answer already set")
	}
	return p.conn.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answerSDP,
	})
}

// AddICECandidate adds a trickled ICE candidate from the viewer.
func (p *Peer) AddICECandidate(candidate string) error {
	return p.conn.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate})
}

// WriteVideoSample pushes one encoded H.264 access unit to the video
// track.
func (p *Peer) WriteVideoSample(data []byte, duration time.Duration) error {
	return p.videoTrack.WriteSample(media.Sample{Data: data, Duration: duration})
}

// GetStats returns the underlying connection's WebRTC stats report, used
// by the session's adaptive bitrate loop.
func (p *Peer) GetStats() webrtc.StatsReport {
	return p.conn.GetStats()
}

// SendControl sends a JSON control message to the viewer (e.g. resolution
// change acknowledgement).
func (p *Peer) SendControl(v any) error {
	if p.controlDC == nil || p.controlDC.ReadyState() != webrtc.DataChannelStateOpen {
		return nil
	}
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.controlDC.SendText(string(body))
}

// Close tears down the peer connection.
func (p *Peer) Close() error {
	return p.conn.Close()
}

func (p *Peer) drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				if time.Since(p.lastKF) < 500*time.Millisecond {
					continue
				}
				p.lastKF = time.Now()
				if p.cfg.OnKeyframeRequest != nil {
					p.cfg.OnKeyframeRequest()
				}
			}
		}
	}
}

func (p *Peer) handleInputMessage(data []byte) {
	var ev InputEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Warn("failed to parse input event", "error", err)
		return
	}
	if p.cfg.OnInput != nil {
		p.cfg.OnInput(ev)
	}
}

func (p *Peer) handleControlMessage(data []byte) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn("failed to parse control message", "error", err)
		return
	}
	if p.cfg.OnControl != nil {
		p.cfg.OnControl(msg)
	}
}

func toWebrtcICEServers(servers []ICEServer) []webrtc.ICEServer {
	if len(servers) == 0 {
		return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		if len(s.URLs) == 0 {
			continue
		}
		ice := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			ice.Username = s.Username
			ice.Credential = s.Credential
			ice.CredentialType = webrtc.ICECredentialTypePassword
		}
		out = append(out, ice)
	}
	if len(out) == 0 {
		return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	return out
}
