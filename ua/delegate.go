package ua

import "github.com/sipcore/sipstack/tu"

// Delegate receives callbacks for inbound Transaction-User activity this
// UserAgent did not itself initiate. A nil delegate causes every inbound
// invitation to be auto-rejected with 486 Busy Here, and every inbound
// MESSAGE/REFER to be ignored at the transport level (the server-side
// request handler itself still answers 200 to MESSAGE per RFC 3428's
// requirement, just with no application visibility).
type Delegate interface {
	// OnInvite is called for every inbound INVITE not matching an existing
	// dialog, wrapped as a pending Invitation the delegate must Accept or
	// Reject.
	OnInvite(inv *tu.Invitation)

	// OnMessage is called for every inbound out-of-dialog MESSAGE body.
	OnMessage(from string, contentType string, body []byte)

	// OnRefer is called for every inbound out-of-dialog REFER, carrying the
	// Refer-To URI.
	OnRefer(from string, referTo string)
}
