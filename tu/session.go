// Package tu implements the Transaction-User usage layer the dialog
// package stops short of: Session (Inviter/Invitation), Registerer,
// Publisher, Subscription, and the thin single-request Message/Info/Refer
// TUs. None of this exists in the teacher (emiago/sipgo intentionally stops
// at the dialog layer) — it is grounded on the dialog package's own
// WaitAnswer/accept-reject flow, re-expressed as explicit looplab/fsm state
// machines the way arzzra-soft_phone's dialog package tracks REFER
// subscriptions and its three coupled dialog/transaction/timer FSMs.
package tu

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/sipcore/sipstack"
	"github.com/sipcore/sipstack/sip"
)

// Session states, named per spec rather than reusing sip.DialogState so a
// Session can be Terminating (BYE sent, not yet confirmed) independently of
// the dialog it wraps.
const (
	SessionInitial      = "initial"
	SessionEstablishing = "establishing"
	SessionEstablished  = "established"
	SessionTerminating  = "terminating"
	SessionTerminated   = "terminated"
)

var sessionEvents = fsm.Events{
	{Name: "invite_sent", Src: []string{SessionInitial}, Dst: SessionEstablishing},
	{Name: "provisional", Src: []string{SessionEstablishing}, Dst: SessionEstablishing},
	{Name: "accepted", Src: []string{SessionEstablishing}, Dst: SessionEstablished},
	{Name: "rejected", Src: []string{SessionEstablishing}, Dst: SessionTerminated},
	{Name: "bye", Src: []string{SessionEstablished}, Dst: SessionTerminating},
	{Name: "bye_confirmed", Src: []string{SessionTerminating, SessionEstablished}, Dst: SessionTerminated},
	{Name: "canceled", Src: []string{SessionEstablishing}, Dst: SessionTerminated},
	{Name: "failed", Src: []string{SessionEstablishing, SessionEstablished, SessionTerminating}, Dst: SessionTerminated},
}

func newSessionFSM(initial string) *fsm.FSM {
	return fsm.NewFSM(initial, sessionEvents, nil)
}

// ErrSessionNotEstablished is returned by operations that require an
// established session (e.g. Bye before the dialog was confirmed).
var ErrSessionNotEstablished = errors.New("tu: session is not established")

// Session wraps an outbound or inbound dialog with the Initial/
// Establishing/Established/Terminating/Terminated lifecycle from §4.7,
// independent of sip.DialogState's own Early/Confirmed/Ended tracking.
type Session struct {
	mu  sync.Mutex
	fsm *fsm.FSM

	client *sipstack.DialogClientSession
	server *sipstack.DialogServerSession

	// usageKey identifies this Session as a usage of its underlying dialog
	// (see Dialog.AddUsage/RemoveUsage): the dialog is considered to exist
	// only as long as at least one usage references it.
	usageKey string

	sdh SessionDescriptionHandler

	lastResponse *sip.Response
	failure      error
}

func (s *Session) dialog() interface {
	AddUsage(string)
	RemoveUsage(string)
} {
	if s.client != nil {
		return &s.client.Dialog
	}
	if s.server != nil {
		return &s.server.Dialog
	}
	return nil
}

func (s *Session) addDialogUsage() {
	if d := s.dialog(); d != nil {
		d.AddUsage(s.usageKey)
	}
}

func (s *Session) removeDialogUsage() {
	if d := s.dialog(); d != nil {
		d.RemoveUsage(s.usageKey)
	}
}

// Inviter drives an outbound INVITE through Session's lifecycle.
type Inviter struct {
	ua *sipstack.DialogUA
}

func NewInviter(ua *sipstack.DialogUA) *Inviter {
	return &Inviter{ua: ua}
}

// Invite sends the INVITE carrying the offer sdh produces, and blocks until
// the session reaches Established, Terminated (rejected/canceled), or ctx
// is done. Every provisional or final response carrying a body is handed to
// sdh.SetDescription so an answer delivered in a reliable 1xx is captured
// the same way a 2xx answer is.
func (i *Inviter) Invite(ctx context.Context, recipient sip.Uri, sdh SessionDescriptionHandler, headers ...sip.Header) (*Session, error) {
	body, contentType, err := sdh.GetDescription(ctx)
	if err != nil {
		return nil, fmt.Errorf("tu: get local description: %w", err)
	}
	headers = append(headers, sip.NewHeader("Content-Type", contentType))

	dcs, err := i.ua.Invite(ctx, recipient, body, headers...)
	if err != nil {
		return nil, err
	}

	s := &Session{
		fsm:      newSessionFSM(SessionInitial),
		client:   dcs,
		usageKey: uuid.NewString(),
		sdh:      sdh,
	}
	_ = s.fsm.Event(ctx, "invite_sent")
	s.addDialogUsage()

	err = dcs.WaitAnswer(ctx, sipstack.AnswerOptions{
		OnResponse: func(res *sip.Response) error {
			s.mu.Lock()
			s.lastResponse = res
			s.mu.Unlock()
			if res.IsProvisional() {
				_ = s.fsm.Event(ctx, "provisional")
			}
			if len(res.Body()) > 0 {
				ct := ""
				if h := res.GetHeader("Content-Type"); h != nil {
					ct = h.Value()
				}
				if setErr := sdh.SetDescription(ctx, res.Body(), ct); setErr != nil {
					return setErr
				}
			}
			return nil
		},
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case err == nil:
		_ = s.fsm.Event(ctx, "accepted")
		return s, nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		_ = s.fsm.Event(ctx, "canceled")
		s.failure = err
		s.removeDialogUsage()
		return s, err
	default:
		var de sipstack.ErrDialogResponse
		if errors.As(err, &de) {
			_ = s.fsm.Event(ctx, "rejected")
		} else {
			_ = s.fsm.Event(ctx, "failed")
		}
		s.failure = err
		s.removeDialogUsage()
		return s, err
	}
}

// ReInvite sends a re-INVITE over an established client-side session,
// carrying a fresh offer from the session's SessionDescriptionHandler. A
// non-2xx response rolls the handler back to its previously negotiated
// description, per §4.7's rollbackDescription contract.
func (s *Session) ReInvite(ctx context.Context) error {
	s.mu.Lock()
	if s.fsm.Current() != SessionEstablished || s.client == nil {
		s.mu.Unlock()
		return ErrSessionNotEstablished
	}
	sdh := s.sdh
	dcs := s.client
	s.mu.Unlock()

	if sdh == nil {
		return fmt.Errorf("tu: session has no session-description handler")
	}

	body, contentType, err := sdh.GetDescription(ctx)
	if err != nil {
		return fmt.Errorf("tu: get local description: %w", err)
	}

	recipient := dcs.InviteRequest.Recipient
	if cont := dcs.InviteResponse.Contact(); cont != nil {
		recipient = *cont.Address.Clone()
	}
	req := sip.NewRequest(sip.INVITE, recipient)
	req.AppendHeader(sip.NewHeader("Content-Type", contentType))
	req.SetBody(body)

	tx, err := s.Do(ctx, req)
	if err != nil {
		return err
	}
	defer tx.Terminate()

	res, err := waitFinal(ctx, tx)
	if err != nil {
		return err
	}

	if !res.IsSuccess() {
		_ = sdh.RollbackDescription()
		return fmt.Errorf("tu: re-invite rejected with %s", res.StartLine())
	}

	if len(res.Body()) > 0 {
		ct := ""
		if h := res.GetHeader("Content-Type"); h != nil {
			ct = h.Value()
		}
		return sdh.SetDescription(ctx, res.Body(), ct)
	}
	return nil
}

// Invitation wraps a received INVITE's server-side session.
type Invitation struct {
	s        *Session
	replaced *sipstack.DialogServerSession
}

// NewInvitation wraps an already-read invite (see DialogUA.ReadInvite). If
// registry is non-nil and the INVITE carried a Replaces header, it is
// matched against registry's confirmed/early dialogs: a missing match
// yields statusCode 481 and a nil Invitation; a match that is confirmed
// while the header asked for early-only yields 486. Callers must respond to
// the INVITE with that status and go no further when statusCode != 0.
// Otherwise inv.Replaced returns the dialog this Invitation replaces, which
// RFC 3891 obliges the caller to terminate once the new INVITE is accepted.
func NewInvitation(dss *sipstack.DialogServerSession, registry *sipstack.DialogServer) (inv *Invitation, statusCode sip.StatusCode, err error) {
	var replaced *sipstack.DialogServerSession
	if registry != nil {
		replaced, statusCode, err = registry.MatchReplaces(dss.InviteRequest)
		if statusCode != 0 {
			return nil, statusCode, err
		}
	}

	inv = &Invitation{
		s: &Session{
			fsm:      newSessionFSM(SessionEstablishing),
			server:   dss,
			usageKey: uuid.NewString(),
		},
		replaced: replaced,
	}
	inv.s.addDialogUsage()
	return inv, 0, nil
}

// Replaced returns the dialog this Invitation replaces, or nil.
func (i *Invitation) Replaced() *sipstack.DialogServerSession { return i.replaced }

// Accept records the inbound offer (if any) with sdh, asks sdh for this
// side's description, and responds 2xx carrying it. If this Invitation
// resulted from a Replaces match, the replaced dialog is terminated with a
// BYE after the new dialog is accepted, the ordering RFC 3891 requires.
func (i *Invitation) Accept(ctx context.Context, sdh SessionDescriptionHandler, headers ...sip.Header) error {
	s := i.s
	s.mu.Lock()
	req := s.server.InviteRequest
	s.mu.Unlock()

	if len(req.Body()) > 0 {
		ct := ""
		if h := req.GetHeader("Content-Type"); h != nil {
			ct = h.Value()
		}
		if err := sdh.SetDescription(ctx, req.Body(), ct); err != nil {
			return err
		}
	}

	body, contentType, err := sdh.GetDescription(ctx)
	if err != nil {
		return err
	}
	headers = append(headers, sip.NewHeader("Content-Type", contentType))

	s.mu.Lock()
	s.sdh = sdh
	respErr := s.server.Respond(sip.StatusOK, "OK", body, headers...)
	if respErr != nil {
		_ = s.fsm.Event(ctx, "failed")
		s.failure = respErr
		s.mu.Unlock()
		return respErr
	}
	evErr := s.fsm.Event(ctx, "accepted")
	s.mu.Unlock()
	if evErr != nil {
		return evErr
	}

	if i.replaced != nil {
		_ = i.replaced.Bye(ctx)
	}
	return nil
}

// Reject responds with a non-2xx final status and terminates the session.
func (i *Invitation) Reject(ctx context.Context, code sip.StatusCode, reason string) error {
	s := i.s
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.server.Respond(code, reason, nil)
	if evErr := s.fsm.Event(ctx, "rejected"); evErr != nil && err == nil {
		err = evErr
	}
	s.removeDialogUsage()
	return err
}

func (i *Invitation) Session() *Session { return i.s }

// State returns the session's current lifecycle state.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fsm.Current()
}

// Err returns the reason a session ended in Terminated without a
// successful Bye, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// Bye ends an established session. Only valid from Established.
func (s *Session) Bye(ctx context.Context) error {
	s.mu.Lock()
	if s.fsm.Current() != SessionEstablished {
		s.mu.Unlock()
		return ErrSessionNotEstablished
	}
	if err := s.fsm.Event(ctx, "bye"); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	var err error
	if s.client != nil {
		err = s.client.Bye(ctx)
	} else if s.server != nil {
		err = s.server.Bye(ctx)
	} else {
		err = fmt.Errorf("tu: session has neither client nor server dialog")
	}

	s.mu.Lock()
	_ = s.fsm.Event(ctx, "bye_confirmed")
	s.mu.Unlock()
	s.removeDialogUsage()

	return err
}

// Do sends an arbitrary in-dialog request (re-INVITE, UPDATE, INFO, ...)
// over the session's client-side dialog. Only meaningful for an Inviter's
// Session; server-side re-INVITEs go through the dialog's own ReadInvite.
func (s *Session) Do(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil, fmt.Errorf("tu: Do requires a client-side session")
	}
	return s.client.Do(ctx, req)
}
