package session

import (
	"sync/atomic"
	"time"

	"github.com/sandboxrun/supervisor/internal/sandbox/framereader"
	"github.com/sandboxrun/supervisor/internal/streaming/peer"
	"github.com/sandboxrun/supervisor/internal/workerpool"
)

// atomicTime stores a time.Time behind an atomic.Value so the idle sweep
// can read it without taking Session.mu.
type atomicTime struct {
	v atomic.Value
}

func (a *atomicTime) Store(t time.Time) { a.v.Store(t) }

func (a *atomicTime) Load() time.Time {
	t, _ := a.v.Load().(time.Time)
	return t
}

// start launches the frame-copy-and-encode pump and the RTCP stats poll
// that drives the adaptive bitrate controller. The frame pump is submitted
// to the shared worker pool, which bounds the number of concurrently
// pumping sessions; when the pool's queue is full the pump runs in its own
// goroutine instead, outside that bound.
func (s *Session) start(pool *workerpool.Pool) {
	s.reader = framereader.New(s.ID, s.child.Channel.ParentReader, s.initialFrameRate)
	frames := s.reader.Start(s.ctx)

	s.wg.Add(1)
	if !pool.Submit(func() {
		defer s.wg.Done()
		s.pumpFrames(frames)
	}) {
		log.Warn("worker pool queue full, running frame pump inline", "session", s.ID)
		go func() {
			defer s.wg.Done()
			s.pumpFrames(frames)
		}()
	}

	s.wg.Add(1)
	go s.pumpStats()
}

func (s *Session) pumpFrames(frames <-chan []byte) {
	first := true
	for frame := range frames {
		if first {
			s.enc.ForceKeyframe()
			first = false
		}
		encoded, err := s.enc.Encode(frame)
		if err != nil {
			log.Warn("encode failed", "session", s.ID, "error", err)
			continue
		}
		if len(encoded) == 0 {
			continue
		}
		frameDuration := time.Second / time.Duration(max1(s.currentFrameRate()))
		if err := s.peer.WriteVideoSample(encoded, frameDuration); err != nil {
			log.Debug("write video sample failed", "session", s.ID, "error", err)
		}
	}
}

func (s *Session) currentFrameRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frameRate()
}

// frameRate returns the frame reader's configured rate; callers must hold
// s.mu. Declared separately from currentFrameRate so callers that already
// hold s.mu can use it.
func (s *Session) frameRate() int {
	return s.initialFrameRate
}

func (s *Session) pumpStats() {
	defer s.wg.Done()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			rtt, loss := extractRTTAndLoss(s.peer.GetStats())
			s.adaptive.Update(rtt, loss)
		}
	}
}

func (s *Session) handleInput(ev peer.InputEvent) {
	s.lastActivity.Store(time.Now())
	envs, err := inputEventToChannelPayloads(ev, s.scrollSensitivity)
	if err != nil {
		log.Debug("unrecognized input event", "session", s.ID, "type", ev.Type, "error", err)
		return
	}
	for _, env := range envs {
		if err := s.child.Channel.ParentCtrlWriter.Send(env); err != nil {
			log.Warn("failed to forward input to sandboxed app", "session", s.ID, "error", err)
			return
		}
	}
}

func (s *Session) handleControl(msg peer.ControlMessage) {
	s.lastActivity.Store(time.Now())
	switch msg.Type {
	case "resize":
		if err := s.resize(msg.Width, msg.Height); err != nil {
			log.Warn("resize failed", "session", s.ID, "error", err)
		}
	case "set_bitrate":
		if msg.Value > 0 {
			s.adaptive.SetMaxBitrate(msg.Value)
		}
	case "request_keyframe":
		s.enc.ForceKeyframe()
	}
}

// resize is a supplemented feature beyond the original sandbox: the
// original framebuffer size is fixed for a session's lifetime, but
// original_source's AppMessage::Resize variant exists precisely because
// the app-sdk side already expects to handle it, so this module honors
// mid-session resize requests by recording the new size and sending the
// child a resize envelope; the child re-renders within a logical viewport
// of that size inside the fixed shared framebuffer. The framebuffer, the
// frame pump and the encoder keep their original dimensions.
func (s *Session) resize(width, height int) error {
	if width <= 0 || height <= 0 {
		return nil
	}
	s.mu.Lock()
	s.width, s.height = width, height
	s.mu.Unlock()

	return s.child.Channel.ParentCtrlWriter.Send(resizeEnvelope(width, height))
}

func (s *Session) teardown() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		if s.peer != nil {
			s.peer.Close()
		}
		if s.enc != nil {
			s.enc.Close()
		}
		if s.child != nil {
			s.child.Stop(5 * time.Second)
		}
	})
}

func max1(v int) int {
	if v < 1 {
		return 1
	}
	return v
}
