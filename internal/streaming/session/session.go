// Package session is the per-session registry (spec component C8): it
// owns the mapping from session ID to the supervisor child, frame/encode
// pipeline, and WebRTC peer bound to it, and implements the
// signaling.Registry interface the signaling bridge dispatches onto.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/sandboxrun/supervisor/internal/health"
	"github.com/sandboxrun/supervisor/internal/logging"
	"github.com/sandboxrun/supervisor/internal/sandbox/encoder"
	"github.com/sandboxrun/supervisor/internal/sandbox/framereader"
	"github.com/sandboxrun/supervisor/internal/sandbox/isolation"
	"github.com/sandboxrun/supervisor/internal/sandbox/supervisor"
	"github.com/sandboxrun/supervisor/internal/streaming/peer"
	"github.com/sandboxrun/supervisor/internal/streaming/signaling"
	"github.com/sandboxrun/supervisor/internal/workerpool"
)

var log = logging.L("session")

// Config configures the registry's defaults and resource ceilings. Every
// field except EncodeWorkers has a matching entry in internal/config.Config;
// cmd/sandboxd maps one onto the other at startup, and EncodeWorkers keeps
// the default NewRegistry gives it.
type Config struct {
	AppsRoot              string
	DefaultWidth          int
	DefaultHeight         int
	DefaultFrameRate      int
	MaxConcurrentSessions int
	ShutdownGrace         time.Duration
	IdleTimeout           time.Duration
	SessionTTL            time.Duration
	CPUQuotaPercent       int
	MemoryLimitMB         int
	PidsLimit             int
	EncodeWorkers         int
	ScrollSensitivity     float64

	// ICE configuration (spec §4.6 ice_config), server-side only — the
	// viewer never supplies its own STUN/TURN servers.
	STUNURLs       []string
	TURNServer     string
	TURNUsername   string
	TURNCredential string
}

// LaunchParams requests a new sandboxed application session — the Go
// counterpart of the launch HTTP API's request body (spec §6). The
// session ID is assigned here if the caller leaves it blank.
type LaunchParams struct {
	SessionID string
	AppName   string
	Width     int
	Height    int
	FrameRate int
}

// Session is one sandboxed application instance streaming to exactly one
// viewer.
type Session struct {
	ID string

	child    *supervisor.Child
	peer     *peer.Peer
	enc      *encoder.Pipeline
	adaptive *adaptiveBitrate
	reader   *framereader.Reader

	// generation correlates log lines across a session's lifetime; it has
	// no meaning on the wire, only in structured logs.
	generation uint64

	mu                sync.Mutex
	width, height     int
	initialFrameRate  int
	scrollSensitivity float64
	offering          bool
	onTerminated      func(reason string)

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	lastActivity atomicTime
	createdAt    time.Time
}

// AppBinaryResolver resolves an app name to its executable path under
// cfg.AppsRoot. cmd/sandboxd owns the actual lookup; it's injected here
// to keep the registry free of a dependency on the apps directory layout.
type AppBinaryResolver func(appsRoot, appName string) (path string, err error)

// Registry owns all live sessions for this daemon process.
type Registry struct {
	cfg        Config
	health     *health.Monitor
	pool       *workerpool.Pool
	resolveApp AppBinaryResolver

	genCounter uint64

	mu      sync.RWMutex
	entries map[string]*Session
}

// NewRegistry builds a session registry backed by cfg and monitor.
func NewRegistry(cfg Config, monitor *health.Monitor, resolveApp AppBinaryResolver) *Registry {
	if cfg.EncodeWorkers <= 0 {
		cfg.EncodeWorkers = 4
	}
	return &Registry{
		cfg:        cfg,
		health:     monitor,
		pool:       workerpool.New(cfg.EncodeWorkers, cfg.EncodeWorkers*4),
		resolveApp: resolveApp,
		entries:    make(map[string]*Session),
	}
}

var _ signaling.Registry = (*Registry)(nil)

func (r *Registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) iceServers() []peer.ICEServer {
	var servers []peer.ICEServer
	if len(r.cfg.STUNURLs) > 0 {
		servers = append(servers, peer.ICEServer{URLs: r.cfg.STUNURLs})
	}
	if r.cfg.TURNServer != "" {
		servers = append(servers, peer.ICEServer{
			URLs:       []string{r.cfg.TURNServer},
			Username:   r.cfg.TURNUsername,
			Credential: r.cfg.TURNCredential,
		})
	}
	return servers
}

// StartSession spawns the isolation envelope, frame channel, sandbox
// child, and encode pipeline for a brand-new session and registers it.
// Negotiation — building the peer and creating an SDP offer — happens
// separately, in RequestOffer, once the signaling duplex asks for one.
func (r *Registry) StartSession(p LaunchParams) (string, error) {
	if r.count() >= r.cfg.MaxConcurrentSessions {
		return "", fmt.Errorf("session registry: at capacity (%d sessions)", r.cfg.MaxConcurrentSessions)
	}

	sessionID := p.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	width, height, frameRate := p.Width, p.Height, p.FrameRate
	if width <= 0 {
		width = r.cfg.DefaultWidth
	}
	if height <= 0 {
		height = r.cfg.DefaultHeight
	}
	if frameRate <= 0 {
		frameRate = r.cfg.DefaultFrameRate
	}

	appBinary, err := r.resolveApp(r.cfg.AppsRoot, p.AppName)
	if err != nil {
		return "", fmt.Errorf("resolve app %q: %w", p.AppName, err)
	}

	constraints := isolation.Constraints{
		AllowedPaths:    nil,
		CPUQuotaPercent: r.cfg.CPUQuotaPercent,
		MemoryLimitMB:   r.cfg.MemoryLimitMB,
		PidsLimit:       r.cfg.PidsLimit,
	}

	ctx, cancel := context.WithCancel(context.Background())

	child, err := supervisor.Spawn(ctx, supervisor.Params{
		SessionID:     sessionID,
		AppBinary:     appBinary,
		Width:         width,
		Height:        height,
		FrameRate:     frameRate,
		Constraints:   constraints,
		ShutdownGrace: r.cfg.ShutdownGrace,
	})
	if err != nil {
		cancel()
		return "", fmt.Errorf("spawn sandbox child: %w", err)
	}

	encPipeline, err := encoder.New(encoder.DefaultConfig(width, height, frameRate))
	if err != nil {
		cancel()
		child.Stop(r.cfg.ShutdownGrace)
		return "", fmt.Errorf("build encoder pipeline: %w", err)
	}

	sess := &Session{
		ID:                sessionID,
		generation:        atomic.AddUint64(&r.genCounter, 1),
		child:             child,
		enc:               encPipeline,
		width:             width,
		height:            height,
		initialFrameRate:  frameRate,
		scrollSensitivity: r.cfg.ScrollSensitivity,
		ctx:               ctx,
		cancel:            cancel,
		createdAt:         time.Now(),
	}
	sess.lastActivity.Store(time.Now())

	r.mu.Lock()
	if _, exists := r.entries[sessionID]; exists {
		r.mu.Unlock()
		cancel()
		encPipeline.Close()
		child.Stop(r.cfg.ShutdownGrace)
		return "", fmt.Errorf("session registry: session %s already exists", sessionID)
	}
	r.entries[sessionID] = sess
	r.mu.Unlock()

	log.Info("session launched", "session", sessionID, "generation", sess.generation, "app", p.AppName, "width", width, "height", height, "fps", frameRate)
	r.reportHealth()
	return sessionID, nil
}

// RequestOffer builds this session's WebRTC peer (C6), attaches the video
// track to the encoder's output, starts the frame pump, and creates a
// local SDP offer. onCandidate is invoked — possibly from another
// goroutine — for every locally gathered ICE candidate, for the caller to
// forward to the viewer.
//
// The server always initiates negotiation; a second call for a session
// that already has a peer is rejected rather than attempting
// renegotiation.
func (r *Registry) RequestOffer(sessionID string, onCandidate func(candidate string)) (string, error) {
	s, err := r.get(sessionID)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	if s.offering || s.peer != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("session registry: session %s already has an offer", sessionID)
	}
	s.offering = true
	s.mu.Unlock()

	pr, err := peer.New(peer.Config{
		ICEServers:        r.iceServers(),
		OnInput:           s.handleInput,
		OnControl:         s.handleControl,
		OnCandidate:       onCandidate,
		OnKeyframeRequest: s.enc.ForceKeyframe,
		OnStateChange: func(state webrtc.PeerConnectionState) {
			if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
				r.StopSession(sessionID, "peer_connection_"+state.String())
			}
		},
	})
	if err != nil {
		s.mu.Lock()
		s.offering = false
		s.mu.Unlock()
		r.StopSession(sessionID, "peer_setup_failed")
		return "", fmt.Errorf("build peer: %w", err)
	}

	offer, err := pr.CreateOffer()
	if err != nil {
		pr.Close()
		r.StopSession(sessionID, "peer_setup_failed")
		return "", fmt.Errorf("create offer: %w", err)
	}

	s.mu.Lock()
	s.peer = pr
	s.adaptive = newAdaptiveBitrate(adaptiveConfig{
		Encoder:        s.enc,
		InitialBitrate: 1_000_000,
		MinBitrate:     300_000,
		MaxBitrate:     8_000_000,
		MaxFPS:         s.initialFrameRate,
	})
	s.mu.Unlock()

	s.start(r.pool)

	log.Info("offer created", "session", sessionID, "generation", s.generation)
	return offer, nil
}

// HandleAnswer completes the handshake RequestOffer began.
func (r *Registry) HandleAnswer(sessionID, answerSDP string) error {
	s, err := r.get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	pr := s.peer
	s.mu.Unlock()
	if pr == nil {
		return fmt.Errorf("session registry: session %s has no outstanding offer", sessionID)
	}
	return pr.SetRemoteAnswer(answerSDP)
}

// WatchTermination registers fn to be invoked once, with the termination
// reason, when this session is torn down by any trigger (explicit stop,
// idle sweep, peer failure). The signaling layer uses this to push a
// final message to the viewer before its transport closes the duplex.
func (r *Registry) WatchTermination(sessionID string, fn func(reason string)) {
	s, err := r.get(sessionID)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.onTerminated = fn
	s.mu.Unlock()
}

func (r *Registry) AddICECandidate(sessionID, candidate string) error {
	s, err := r.get(sessionID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	pr := s.peer
	s.mu.Unlock()
	if pr == nil {
		return fmt.Errorf("session registry: session %s has no peer yet", sessionID)
	}
	return pr.AddICECandidate(candidate)
}

func (r *Registry) Resize(sessionID string, width, height int) error {
	s, err := r.get(sessionID)
	if err != nil {
		return err
	}
	return s.resize(width, height)
}

// HandleInput maps an inbound signaling input message onto the session's
// underlying input-forwarding path and sends it to the sandboxed child.
func (r *Registry) HandleInput(sessionID string, msg signaling.Message) error {
	s, err := r.get(sessionID)
	if err != nil {
		return err
	}
	ev, ok := inputEventFromMessage(msg)
	if !ok {
		return fmt.Errorf("session registry: %q is not an input message", msg.Type)
	}
	s.handleInput(ev)
	return nil
}

// StopSession tears down and removes a session. Idempotent: stopping an
// already-removed session is a no-op.
func (r *Registry) StopSession(sessionID, reason string) error {
	r.mu.Lock()
	s, ok := r.entries[sessionID]
	if ok {
		delete(r.entries, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	log.Info("stopping session", "session", sessionID, "generation", s.generation, "reason", reason)
	s.teardown()
	r.reportHealth()

	s.mu.Lock()
	onTerminated := s.onTerminated
	s.mu.Unlock()
	if onTerminated != nil {
		onTerminated(reason)
	}
	return nil
}

// StopAll tears down every live session, used on daemon shutdown.
func (r *Registry) StopAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.entries))
	for _, s := range r.entries {
		sessions = append(sessions, s)
	}
	r.entries = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.teardown()
		s.mu.Lock()
		onTerminated := s.onTerminated
		s.mu.Unlock()
		if onTerminated != nil {
			onTerminated("daemon_shutdown")
		}
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r.pool.StopAccepting()
	r.pool.Drain(drainCtx)
}

// SweepIdle terminates sessions that have had no input and exceeded the
// idle timeout, and sessions that have exceeded the absolute session TTL.
// Called periodically by cmd/sandboxd.
func (r *Registry) SweepIdle() {
	now := time.Now()
	r.mu.RLock()
	toStop := make(map[string]string)
	for id, s := range r.entries {
		if r.cfg.IdleTimeout > 0 && now.Sub(s.lastActivity.Load()) > r.cfg.IdleTimeout {
			toStop[id] = "idle_timeout"
			continue
		}
		if r.cfg.SessionTTL > 0 && now.Sub(s.createdAt) > r.cfg.SessionTTL {
			toStop[id] = "expiry"
		}
	}
	r.mu.RUnlock()

	for id, reason := range toStop {
		r.StopSession(id, reason)
	}
}

func (r *Registry) get(sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.entries[sessionID]
	if !ok {
		return nil, fmt.Errorf("session registry: unknown session %s", sessionID)
	}
	return s, nil
}

func (r *Registry) reportHealth() {
	if r.health == nil {
		return
	}
	n := r.count()
	status := health.Healthy
	msg := fmt.Sprintf("%d active sessions", n)
	if r.cfg.MaxConcurrentSessions > 0 && n >= r.cfg.MaxConcurrentSessions {
		status = health.Degraded
		msg = fmt.Sprintf("%d/%d sessions, at capacity", n, r.cfg.MaxConcurrentSessions)
	}
	r.health.Update("sessions", status, msg)
}
