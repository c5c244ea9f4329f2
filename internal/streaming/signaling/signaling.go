// Package signaling implements the server side of the negotiation and
// input protocol (C7): a tagged-variant JSON message set exchanged over
// whatever duplex, message-oriented transport the caller provides, bound
// to a single session at connection time. HTTP routing, WebSocket
// framing, and CORS belong to the caller's transport — this package only
// models the message shapes and the request-offer/offer/answer state
// machine on top of them.
package signaling

import (
	"fmt"
	"sync"

	"github.com/sandboxrun/supervisor/internal/logging"
)

var log = logging.L("signaling")

// Message types, one per tagged variant of the signaling protocol.
const (
	TypeRequestOffer = "request-offer"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypeMouseMove    = "mouse-move"
	TypeMouseDown    = "mouse-down"
	TypeMouseUp      = "mouse-up"
	TypeMouseScroll  = "mouse-scroll"
	TypeKeyDown      = "key-down"
	TypeKeyUp        = "key-up"
	TypeResize       = "resize"
	TypeError        = "error"
)

// Message is one signaling protocol message. It is a flat union of every
// variant's fields rather than separate Go types per variant, so that
// serializing then deserializing any variant reproduces the same value:
// fields irrelevant to Type round-trip as their zero value on both sides.
type Message struct {
	Type string `json:"type"`

	// offer / answer
	SDP string `json:"sdp,omitempty"`

	// ice-candidate
	Candidate  string `json:"candidate,omitempty"`
	Mid        string `json:"mid,omitempty"`
	MLineIndex *int   `json:"mlineIndex,omitempty"`

	// mouse-move, mouse-down, mouse-up
	X      float64 `json:"x,omitempty"`
	Y      float64 `json:"y,omitempty"`
	Button int     `json:"button,omitempty"`

	// mouse-scroll
	DeltaY float64 `json:"deltaY,omitempty"`

	// key-down, key-up
	Key  string `json:"key,omitempty"`
	Code string `json:"code,omitempty"`

	// resize
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// errorMessage builds an error{message} reply.
func errorMessage(format string, args ...any) Message {
	return Message{Type: TypeError, Message: fmt.Sprintf(format, args...)}
}

// IsEmpty reports whether m carries nothing worth sending — Conn.Handle
// returns this for messages that are forwarded onward but don't elicit a
// reply of their own (ice-candidate, input, resize).
func (m Message) IsEmpty() bool {
	return m.Type == ""
}

// Registry is the subset of the session registry (C8) the signaling layer
// depends on. Defined here, implemented there, to keep this package free
// of a direct dependency on the registry's richer API.
type Registry interface {
	// RequestOffer builds the peer for sessionID, attaches its track,
	// starts its frame pump, and returns a freshly created SDP offer.
	// onCandidate is invoked (possibly from another goroutine) for every
	// locally gathered ICE candidate, for the caller to forward as an
	// ice-candidate message.
	RequestOffer(sessionID string, onCandidate func(candidate string)) (offerSDP string, err error)

	// HandleAnswer completes the handshake RequestOffer began.
	HandleAnswer(sessionID, answerSDP string) error

	AddICECandidate(sessionID, candidate string) error
	Resize(sessionID string, width, height int) error
	HandleInput(sessionID string, msg Message) error
	StopSession(sessionID, reason string) error

	// WatchTermination registers fn to fire, with a reason, the one time
	// this session is torn down — by any trigger, not just an explicit
	// stop. Used to push a final message to the viewer before the
	// transport closes the duplex.
	WatchTermination(sessionID string, fn func(reason string))
}

// state is where one Conn sits in the request-offer/offer/answer
// handshake.
type state int

const (
	stateAwaitingOffer state = iota
	stateOfferSent
	stateAnswered
)

// Conn is the signaling state machine for one client duplex, bound to a
// single session for its lifetime (the session identifier is carried
// out-of-band at connection time, e.g. a query parameter on the socket
// URL — never inside a Message).
type Conn struct {
	registry  Registry
	sessionID string
	send      func(Message)

	mu    sync.Mutex
	state state
}

// NewConn builds a Conn for sessionID. send is called (possibly from
// another goroutine — ICE candidates and termination notices arrive
// asynchronously) to push a Message to the client; the caller's transport
// is responsible for framing and writing it.
func NewConn(registry Registry, sessionID string, send func(Message)) *Conn {
	c := &Conn{registry: registry, sessionID: sessionID, send: send}
	registry.WatchTermination(sessionID, func(reason string) {
		send(errorMessage("session terminated: %s", reason))
	})
	return c
}

// Handle processes one inbound Message per the state machine and returns
// the reply to send back. A zero Message (Type == "") means no reply is
// warranted — the caller should not write anything to the duplex for it.
// Messages on one Conn are processed in receive order; callers must not
// call Handle concurrently for the same Conn if they want that guarantee.
func (c *Conn) Handle(msg Message) Message {
	switch msg.Type {
	case TypeRequestOffer:
		return c.handleRequestOffer()
	case TypeAnswer:
		return c.handleAnswer(msg)
	case TypeICECandidate:
		if err := c.registry.AddICECandidate(c.sessionID, msg.Candidate); err != nil {
			return errorMessage("%v", err)
		}
		return Message{}
	case TypeResize:
		if err := c.registry.Resize(c.sessionID, msg.Width, msg.Height); err != nil {
			return errorMessage("%v", err)
		}
		return Message{}
	case TypeMouseMove, TypeMouseDown, TypeMouseUp, TypeMouseScroll, TypeKeyDown, TypeKeyUp:
		if err := c.registry.HandleInput(c.sessionID, msg); err != nil {
			return errorMessage("%v", err)
		}
		return Message{}
	default:
		log.Warn("unknown signaling message type", "session", c.sessionID, "type", msg.Type)
		return errorMessage("unknown signaling message type %q", msg.Type)
	}
}

func (c *Conn) handleRequestOffer() Message {
	c.mu.Lock()
	if c.state != stateAwaitingOffer {
		c.mu.Unlock()
		return errorMessage("request-offer not valid in the current state")
	}
	c.mu.Unlock()

	offer, err := c.registry.RequestOffer(c.sessionID, func(candidate string) {
		c.send(Message{Type: TypeICECandidate, Candidate: candidate})
	})
	if err != nil {
		log.Warn("request-offer failed", "session", c.sessionID, "error", err)
		return errorMessage("%v", err)
	}

	c.mu.Lock()
	c.state = stateOfferSent
	c.mu.Unlock()
	return Message{Type: TypeOffer, SDP: offer}
}

func (c *Conn) handleAnswer(msg Message) Message {
	c.mu.Lock()
	if c.state != stateOfferSent {
		c.mu.Unlock()
		return errorMessage("answer received outside the offer-sent state")
	}
	c.mu.Unlock()

	if err := c.registry.HandleAnswer(c.sessionID, msg.SDP); err != nil {
		log.Warn("answer rejected", "session", c.sessionID, "error", err)
		return errorMessage("%v", err)
	}

	c.mu.Lock()
	c.state = stateAnswered
	c.mu.Unlock()
	return Message{}
}

// Close runs cleanup for this connection's session — called by the
// transport when the client socket closes.
func (c *Conn) Close(reason string) {
	if err := c.registry.StopSession(c.sessionID, reason); err != nil {
		log.Warn("cleanup on close failed", "session", c.sessionID, "error", err)
	}
}
