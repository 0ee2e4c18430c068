package sipstack

import (
	"sync"

	"github.com/sipcore/sipstack/sip"
)

// UACoreVerdict is the inbound sanity pipeline's outcome for one request.
type UACoreVerdict int

const (
	// UACorePass means the request may proceed to transaction matching/dispatch.
	UACorePass UACoreVerdict = iota
	// UACoreDrop means the request must be silently discarded (no response).
	UACoreDrop
	// UACoreReject means StatusCode/Reason should be sent statelessly.
	UACoreReject
)

// UACoreResult carries the verdict; StatusCode and Reason are set only for Reject.
type UACoreResult struct {
	Verdict    UACoreVerdict
	StatusCode sip.StatusCode
	Reason     string
}

var uaCorePassResult = UACoreResult{Verdict: UACorePass}

// UACore runs the mandatory-header, self-loop, and Content-Length sanity
// checks every inbound request passes through before it ever reaches
// transaction matching or TU dispatch. It tracks the set of Call-IDs this
// instance itself has issued, for self-loop detection on inbound requests
// carrying no to-tag.
type UACore struct {
	mu          sync.Mutex
	outbound    map[string]struct{}
	outboundSeq []string
	maxTracked  int
}

// NewUACore builds a UACore with a bounded self-generated-Call-ID window.
// maxTracked <= 0 uses a default of 4096 entries.
func NewUACore(maxTracked int) *UACore {
	if maxTracked <= 0 {
		maxTracked = 4096
	}
	return &UACore{
		outbound:   make(map[string]struct{}),
		maxTracked: maxTracked,
	}
}

// NoteOutbound records a Call-ID this instance generated for an outbound
// request, so a later inbound request reusing it (a routing loop back to
// this same UA) can be caught by Check. Evicts the oldest tracked id once
// maxTracked is exceeded.
func (c *UACore) NoteOutbound(callID string) {
	if callID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.outbound[callID]; exists {
		return
	}
	c.outbound[callID] = struct{}{}
	c.outboundSeq = append(c.outboundSeq, callID)
	if len(c.outboundSeq) > c.maxTracked {
		oldest := c.outboundSeq[0]
		c.outboundSeq = c.outboundSeq[1:]
		delete(c.outbound, oldest)
	}
}

func (c *UACore) isOwnCallID(callID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.outbound[callID]
	return ok
}

// Check runs the ordered inbound-request sanity pipeline: mandatory
// headers, then self-loop, then Content-Length vs. actual body length.
func (c *UACore) Check(req *sip.Request) UACoreResult {
	if req.From() == nil || req.To() == nil || req.CallID() == nil || req.CSeq() == nil || req.Via() == nil {
		return UACoreResult{Verdict: UACoreDrop}
	}

	to := req.To()
	if _, hasToTag := to.Params.Get("tag"); !hasToTag {
		callID := string(*req.CallID())
		if c.isOwnCallID(callID) {
			return UACoreResult{Verdict: UACoreReject, StatusCode: sip.StatusLoopDetected, Reason: "Loop Detected"}
		}
	}

	if cl := req.ContentLength(); cl != nil {
		declared := int(*cl)
		if declared > len(req.Body()) {
			return UACoreResult{Verdict: UACoreReject, StatusCode: sip.StatusBadRequest, Reason: "Bad Request"}
		}
	}

	return uaCorePassResult
}
