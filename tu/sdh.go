package tu

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/sdp/v3"
)

// SessionDescriptionHandler produces and consumes the body exchanged over
// an Inviter/Invitation's signaling path (SDP in every deployment this
// layer targets, though nothing here assumes that beyond the default
// implementation). One handler is built per Session via a
// SessionDescriptionHandlerFactory.
type SessionDescriptionHandler interface {
	// GetDescription returns the body this side offers, or answers with,
	// plus its Content-Type.
	GetDescription(ctx context.Context) (body []byte, contentType string, err error)
	// SetDescription records a description received from the peer: an
	// offer, or the peer's answer to an offer this side sent.
	SetDescription(ctx context.Context, body []byte, contentType string) error
	// HasDescription reports whether SetDescription has recorded a
	// description not since discarded by RollbackDescription.
	HasDescription() bool
	// RollbackDescription discards the last SetDescription, restoring the
	// state from before it. Used when a re-INVITE/UPDATE offer is rejected.
	RollbackDescription() error
}

// SessionDescriptionHandlerFactory builds one handler per Session.
type SessionDescriptionHandlerFactory func() SessionDescriptionHandler

// staticSDPHandler is the default SessionDescriptionHandler: it offers a
// fixed local SDP body, parsed once through pion/sdp so a malformed
// template is caught at construction rather than on the wire (the bytes
// offered are the template as given, not a re-marshaled copy),
// and tracks the single most recent remote description for rollback.
type staticSDPHandler struct {
	local []byte

	mu           sync.Mutex
	remote       []byte
	prevRemote   []byte
	hasRemote    bool
	hadPrevState bool
}

// NewStaticSDPHandlerFactory returns a factory whose handlers always offer
// localSDP (already-encoded SDP bytes) and track whatever the peer sends in
// return. localSDP is validated (parsed with pion/sdp/v3) at factory
// construction so a malformed template fails fast instead of surfacing mid
// call.
func NewStaticSDPHandlerFactory(localSDP []byte) (SessionDescriptionHandlerFactory, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(localSDP); err != nil {
		return nil, fmt.Errorf("tu: invalid local SDP template: %w", err)
	}
	return func() SessionDescriptionHandler {
		return &staticSDPHandler{local: localSDP}
	}, nil
}

func (h *staticSDPHandler) GetDescription(ctx context.Context) ([]byte, string, error) {
	return h.local, "application/sdp", nil
}

func (h *staticSDPHandler) SetDescription(ctx context.Context, body []byte, contentType string) error {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return fmt.Errorf("tu: remote SDP parse: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.prevRemote = h.remote
	h.hadPrevState = h.hasRemote
	h.remote = body
	h.hasRemote = true
	return nil
}

func (h *staticSDPHandler) HasDescription() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hasRemote
}

func (h *staticSDPHandler) RollbackDescription() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remote = h.prevRemote
	h.hasRemote = h.hadPrevState
	h.prevRemote = nil
	h.hadPrevState = false
	return nil
}
