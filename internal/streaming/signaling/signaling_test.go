package signaling

import (
	"encoding/json"
	"errors"
	"testing"
)

type fakeRegistry struct {
	offerSDP      string
	offerErr      error
	answerErr     error
	candidateErr  error
	resizeErr     error
	inputErr      error
	stopReason    string
	stopCalled    bool
	lastCandidate string
	terminate     func(reason string)
}

func (f *fakeRegistry) RequestOffer(sessionID string, onCandidate func(string)) (string, error) {
	if f.offerErr != nil {
		return "", f.offerErr
	}
	if onCandidate != nil {
		onCandidate("candidate:1 1 UDP 1 1.2.3.4 5 typ host")
	}
	return f.offerSDP, nil
}

func (f *fakeRegistry) HandleAnswer(sessionID, answerSDP string) error { return f.answerErr }

func (f *fakeRegistry) AddICECandidate(sessionID, candidate string) error {
	f.lastCandidate = candidate
	return f.candidateErr
}

func (f *fakeRegistry) Resize(sessionID string, width, height int) error { return f.resizeErr }

func (f *fakeRegistry) HandleInput(sessionID string, msg Message) error { return f.inputErr }

func (f *fakeRegistry) StopSession(sessionID, reason string) error {
	f.stopCalled = true
	f.stopReason = reason
	return nil
}

func (f *fakeRegistry) WatchTermination(sessionID string, fn func(reason string)) {
	f.terminate = fn
}

func newConn(reg *fakeRegistry) (*Conn, *[]Message) {
	var sent []Message
	c := NewConn(reg, "s1", func(m Message) { sent = append(sent, m) })
	return c, &sent
}

func TestRequestOfferReturnsOfferAndForwardsCandidates(t *testing.T) {
	reg := &fakeRegistry{offerSDP: "v=0 offer-sdp"}
	c, sent := newConn(reg)

	reply := c.Handle(Message{Type: TypeRequestOffer})
	if reply.Type != TypeOffer || reply.SDP != "v=0 offer-sdp" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if len(*sent) != 1 || (*sent)[0].Type != TypeICECandidate {
		t.Fatalf("expected one forwarded ice-candidate push, got %+v", *sent)
	}
}

func TestSecondRequestOfferYieldsError(t *testing.T) {
	reg := &fakeRegistry{offerSDP: "v=0 offer-sdp"}
	c, _ := newConn(reg)

	c.Handle(Message{Type: TypeRequestOffer})
	reply := c.Handle(Message{Type: TypeRequestOffer})
	if reply.Type != TypeError {
		t.Fatalf("expected error on second request-offer, got %+v", reply)
	}
}

func TestAnswerBeforeRequestOfferYieldsErrorAndStaysInitial(t *testing.T) {
	reg := &fakeRegistry{}
	c, _ := newConn(reg)

	reply := c.Handle(Message{Type: TypeAnswer, SDP: "v=0 answer-sdp"})
	if reply.Type != TypeError {
		t.Fatalf("expected error, got %+v", reply)
	}
	if c.state != stateAwaitingOffer {
		t.Fatalf("state = %v, want stateAwaitingOffer", c.state)
	}
	// Still in the initial state: a request-offer now must succeed, not
	// be rejected as a "second" request-offer.
	reg.offerSDP = "v=0 offer-sdp"
	reply = c.Handle(Message{Type: TypeRequestOffer})
	if reply.Type != TypeOffer {
		t.Fatalf("expected offer after recovering from the bad answer, got %+v", reply)
	}
}

func TestAnswerAfterOfferCompletesHandshake(t *testing.T) {
	reg := &fakeRegistry{offerSDP: "v=0 offer-sdp"}
	c, _ := newConn(reg)

	c.Handle(Message{Type: TypeRequestOffer})
	reply := c.Handle(Message{Type: TypeAnswer, SDP: "v=0 answer-sdp"})
	if !reply.IsEmpty() {
		t.Fatalf("expected no reply to a valid answer, got %+v", reply)
	}
	if c.state != stateAnswered {
		t.Fatalf("state = %v, want stateAnswered", c.state)
	}
}

func TestAnswerPropagatesRegistryError(t *testing.T) {
	reg := &fakeRegistry{offerSDP: "v=0 offer-sdp", answerErr: errors.New("boom")}
	c, _ := newConn(reg)

	c.Handle(Message{Type: TypeRequestOffer})
	reply := c.Handle(Message{Type: TypeAnswer, SDP: "v=0 answer-sdp"})
	if reply.Type != TypeError {
		t.Fatalf("expected error, got %+v", reply)
	}
}

func TestICECandidateForwardsToRegistry(t *testing.T) {
	reg := &fakeRegistry{}
	c, _ := newConn(reg)

	reply := c.Handle(Message{Type: TypeICECandidate, Candidate: "candidate:1 foo"})
	if !reply.IsEmpty() {
		t.Fatalf("expected no reply, got %+v", reply)
	}
	if reg.lastCandidate != "candidate:1 foo" {
		t.Fatalf("candidate = %q, want forwarded", reg.lastCandidate)
	}
}

func TestResizeForwardsToRegistry(t *testing.T) {
	reg := &fakeRegistry{}
	c, _ := newConn(reg)

	reply := c.Handle(Message{Type: TypeResize, Width: 640, Height: 480})
	if !reply.IsEmpty() {
		t.Fatalf("expected no reply, got %+v", reply)
	}
}

func TestInputMessagesForwardToRegistry(t *testing.T) {
	reg := &fakeRegistry{}
	c, _ := newConn(reg)

	for _, typ := range []string{TypeMouseMove, TypeMouseDown, TypeMouseUp, TypeMouseScroll, TypeKeyDown, TypeKeyUp} {
		reply := c.Handle(Message{Type: typ})
		if !reply.IsEmpty() {
			t.Fatalf("%s: expected no reply, got %+v", typ, reply)
		}
	}
}

func TestUnknownMessageTypeYieldsError(t *testing.T) {
	c, _ := newConn(&fakeRegistry{})
	reply := c.Handle(Message{Type: "bogus"})
	if reply.Type != TypeError {
		t.Fatalf("expected error status for unknown message type, got %+v", reply)
	}
}

func TestCloseStopsSession(t *testing.T) {
	reg := &fakeRegistry{}
	c, _ := newConn(reg)
	c.Close("client_disconnected")
	if !reg.stopCalled || reg.stopReason != "client_disconnected" {
		t.Fatalf("StopSession called=%v reason=%q", reg.stopCalled, reg.stopReason)
	}
}

func TestWatchTerminationPushesErrorMessage(t *testing.T) {
	reg := &fakeRegistry{}
	c, sent := newConn(reg)
	_ = c

	reg.terminate("idle_timeout")
	if len(*sent) != 1 || (*sent)[0].Type != TypeError {
		t.Fatalf("expected a pushed error message, got %+v", *sent)
	}
}

func TestMessageRoundTripsThroughJSONForEveryVariant(t *testing.T) {
	mlineIndex := 0
	variants := []Message{
		{Type: TypeRequestOffer},
		{Type: TypeOffer, SDP: "v=0 offer-sdp"},
		{Type: TypeAnswer, SDP: "v=0 answer-sdp"},
		{Type: TypeICECandidate, Candidate: "candidate:1 foo", Mid: "0", MLineIndex: &mlineIndex},
		{Type: TypeMouseMove, X: 100, Y: 50},
		{Type: TypeMouseDown, Button: 0},
		{Type: TypeMouseUp, Button: 0},
		{Type: TypeMouseScroll, DeltaY: -300},
		{Type: TypeKeyDown, Key: "a", Code: "KeyA"},
		{Type: TypeKeyUp, Key: "a", Code: "KeyA"},
		{Type: TypeResize, Width: 640, Height: 480},
		{Type: TypeError, Message: "something went wrong"},
	}

	for _, want := range variants {
		body, err := json.Marshal(want)
		if err != nil {
			t.Fatalf("%s: marshal: %v", want.Type, err)
		}
		var got Message
		if err := json.Unmarshal(body, &got); err != nil {
			t.Fatalf("%s: unmarshal: %v", want.Type, err)
		}
		if got.Type != want.Type || got.SDP != want.SDP || got.Candidate != want.Candidate ||
			got.Mid != want.Mid || got.X != want.X || got.Y != want.Y || got.Button != want.Button ||
			got.DeltaY != want.DeltaY || got.Key != want.Key || got.Code != want.Code ||
			got.Width != want.Width || got.Height != want.Height || got.Message != want.Message {
			t.Fatalf("%s: round-trip mismatch: got %+v, want %+v", want.Type, got, want)
		}
		if (got.MLineIndex == nil) != (want.MLineIndex == nil) {
			t.Fatalf("%s: MLineIndex presence mismatch", want.Type)
		}
		if got.MLineIndex != nil && *got.MLineIndex != *want.MLineIndex {
			t.Fatalf("%s: MLineIndex = %d, want %d", want.Type, *got.MLineIndex, *want.MLineIndex)
		}
	}
}
