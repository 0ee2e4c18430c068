package tu

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/sipcore/sipstack"
	"github.com/sipcore/sipstack/sip"
)

const (
	SubscriptionInitial    = "initial"
	SubscriptionNotifyWait = "notify_wait"
	SubscriptionPending    = "pending"
	SubscriptionActive     = "active"
	SubscriptionTerminated = "terminated"
)

var subscriptionEvents = fsm.Events{
	{Name: "subscribe_sent", Src: []string{SubscriptionInitial}, Dst: SubscriptionNotifyWait},
	{Name: "notify_pending", Src: []string{SubscriptionNotifyWait, SubscriptionPending, SubscriptionActive}, Dst: SubscriptionPending},
	{Name: "notify_active", Src: []string{SubscriptionNotifyWait, SubscriptionPending, SubscriptionActive}, Dst: SubscriptionActive},
	{Name: "notify_terminated", Src: []string{SubscriptionNotifyWait, SubscriptionPending, SubscriptionActive}, Dst: SubscriptionTerminated},
	{Name: "expired", Src: []string{SubscriptionNotifyWait, SubscriptionPending, SubscriptionActive}, Dst: SubscriptionTerminated},
	{Name: "failed", Src: []string{SubscriptionInitial, SubscriptionNotifyWait}, Dst: SubscriptionTerminated},
}

func newSubscriptionFSM() *fsm.FSM {
	return fsm.NewFSM(SubscriptionInitial, subscriptionEvents, nil)
}

// registry matches an inbound NOTIFY to the Subscription that sent the
// SUBSCRIBE establishing its dialog. Keyed independent of tag order: a
// UAC's Subscribe response carries (remote-tag, local-tag) via
// sip.MakeDialogIDFromResponse, while the UAS's subsequent NOTIFY request
// carries (local-tag, remote-tag) from the UAC's point of view, so the two
// cannot be matched by the same ordered string.
type registry struct {
	mu   sync.Mutex
	subs map[string]*Subscription
}

func dialogKey(callID, tagA, tagB string) string {
	if tagA > tagB {
		tagA, tagB = tagB, tagA
	}
	return callID + "\x00" + tagA + "\x00" + tagB
}

func (r *registry) put(key string, s *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs == nil {
		r.subs = make(map[string]*Subscription)
	}
	r.subs[key] = s
}

func (r *registry) remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, key)
}

func (r *registry) lookup(key string) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subs[key]
}

// subscriptionRegistry is process-wide: one Server's OnNotify handler is
// wired once (see WireNotifyDispatch) regardless of how many Subscriptions
// are active against it.
var subscriptionRegistry = &registry{}

// WireNotifyDispatch registers the NOTIFY handler that routes in-dialog
// NOTIFY requests to the owning Subscription. Call this once per Server
// that will carry subscriptions; individual Subscriptions register
// themselves into the shared registry as they're created.
func WireNotifyDispatch(srv *sipstack.Server) {
	srv.OnNotify(func(req *sip.Request, tx sip.ServerTransaction) {
		callID := req.CallID()
		from := req.From()
		to := req.To()
		if callID == nil || from == nil || to == nil {
			tx.Respond(sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Bad Request", nil))
			return
		}
		fromTag, _ := from.Params.Get("tag")
		toTag, _ := to.Params.Get("tag")
		key := dialogKey(string(*callID), fromTag, toTag)

		sub := subscriptionRegistry.lookup(key)
		if sub == nil {
			tx.Respond(sip.NewResponseFromRequest(req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist", nil))
			return
		}
		sub.handleNotify(req, tx)
	})
}

// Subscription implements RFC 6665 SUBSCRIBE/NOTIFY dialog usage,
// generalized from a REFER-specific NOTIFY state tracker into any event
// package: Initial -> NotifyWait on sending SUBSCRIBE -> Pending/Active per
// the first NOTIFY's Subscription-State -> Terminated on
// Subscription-State: terminated or on expiry.
type Subscription struct {
	client    *sipstack.Client
	recipient sip.Uri
	event     string
	contact   sip.ContactHeader

	sm *fsm.FSM

	mu          sync.Mutex
	expires     int
	dialogKey   string
	cancel      context.CancelFunc
	onNotify    func(body []byte, state string)
	lastContent []byte
}

type SubscriptionOptions struct {
	Event   string
	Expires int // 0 uses defaultExpires
}

func NewSubscription(client *sipstack.Client, recipient sip.Uri, contact sip.ContactHeader, opts SubscriptionOptions) *Subscription {
	expires := opts.Expires
	if expires <= 0 {
		expires = defaultExpires
	}
	return &Subscription{
		client:    client,
		recipient: recipient,
		event:     opts.Event,
		contact:   contact,
		expires:   expires,
		sm:        newSubscriptionFSM(),
	}
}

// State reports the current RFC 6665 state name.
func (s *Subscription) State() string {
	return s.sm.Current()
}

// OnNotify registers a callback invoked for every NOTIFY body delivered
// against this subscription, alongside the Subscription-State it carried.
func (s *Subscription) OnNotify(f func(body []byte, state string)) {
	s.mu.Lock()
	s.onNotify = f
	s.mu.Unlock()
}

// Subscribe sends the initial SUBSCRIBE and registers the resulting dialog
// in the shared NOTIFY registry so a subsequent in-dialog NOTIFY reaches
// this Subscription. Blocks until the SUBSCRIBE itself settles; NOTIFY
// delivery continues asynchronously via the registered callback.
func (s *Subscription) Subscribe(ctx context.Context) error {
	req := sip.NewRequest(sip.SUBSCRIBE, s.recipient)
	req.AppendHeader(s.contact.Clone())
	req.AppendHeader(sip.NewHeader("Event", s.event))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(s.expires)))

	tx, err := s.client.TransactionRequest(ctx, req)
	if err != nil {
		return err
	}
	defer tx.Terminate()

	res, err := waitFinal(ctx, tx)
	if err != nil {
		_ = s.sm.Event(ctx, "failed")
		return err
	}
	if !res.IsSuccess() {
		_ = s.sm.Event(ctx, "failed")
		return fmt.Errorf("tu: subscribe failed with %s", res.StartLine())
	}

	id, err := sip.MakeDialogIDFromResponse(res)
	if err != nil {
		_ = s.sm.Event(ctx, "failed")
		return fmt.Errorf("tu: subscribe response missing dialog identifiers: %w", err)
	}
	_ = id

	callID := res.CallID()
	from := res.From()
	to := res.To()
	fromTag, _ := from.Params.Get("tag")
	toTag, _ := to.Params.Get("tag")
	key := dialogKey(string(*callID), fromTag, toTag)

	s.mu.Lock()
	s.dialogKey = key
	if expH := res.GetHeader("Expires"); expH != nil {
		if v, convErr := strconv.Atoi(expH.Value()); convErr == nil && v > 0 {
			s.expires = v
		}
	}
	expires := s.expires
	s.mu.Unlock()

	_ = s.sm.Event(ctx, "subscribe_sent")
	subscriptionRegistry.put(key, s)
	s.startRefresh(ctx, expires)
	return nil
}

func (s *Subscription) startRefresh(parent context.Context, expires int) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		interval := time.Duration(float64(expires)*0.9) * time.Second
		if interval <= 0 {
			interval = time.Second
		}
		t := time.NewTimer(interval)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		s.mu.Lock()
		if s.sm.Current() == SubscriptionTerminated {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		if err := s.reSubscribe(ctx); err != nil {
			_ = s.sm.Event(ctx, "expired")
			return
		}
	}()
}

func (s *Subscription) reSubscribe(ctx context.Context) error {
	req := sip.NewRequest(sip.SUBSCRIBE, s.recipient)
	req.AppendHeader(s.contact.Clone())
	req.AppendHeader(sip.NewHeader("Event", s.event))

	s.mu.Lock()
	expires := s.expires
	s.mu.Unlock()
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expires)))

	tx, err := s.client.TransactionRequest(ctx, req)
	if err != nil {
		return err
	}
	defer tx.Terminate()

	res, err := waitFinal(ctx, tx)
	if err != nil {
		return err
	}
	if !res.IsSuccess() {
		return fmt.Errorf("tu: re-subscribe failed with %s", res.StartLine())
	}

	s.startRefresh(ctx, expires)
	return nil
}

// handleNotify is invoked by the shared NOTIFY dispatcher for every
// in-dialog NOTIFY matching this subscription's dialog.
func (s *Subscription) handleNotify(req *sip.Request, tx sip.ServerTransaction) {
	state := "active"
	if h := req.GetHeader("Subscription-State"); h != nil {
		state = firstToken(h.Value())
	}

	switch state {
	case "terminated":
		_ = s.sm.Event(context.Background(), "notify_terminated")
	case "pending":
		_ = s.sm.Event(context.Background(), "notify_pending")
	default:
		_ = s.sm.Event(context.Background(), "notify_active")
	}

	tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))

	s.mu.Lock()
	cb := s.onNotify
	s.lastContent = req.Body()
	s.mu.Unlock()
	if cb != nil {
		cb(req.Body(), state)
	}

	if state == "terminated" {
		s.mu.Lock()
		key := s.dialogKey
		if s.cancel != nil {
			s.cancel()
			s.cancel = nil
		}
		s.mu.Unlock()
		subscriptionRegistry.remove(key)
	}
}

// Unsubscribe sends an Expires: 0 SUBSCRIBE and tears down the registry
// entry once the server acknowledges (or immediately, on error, so a dead
// peer can't wedge the registry open).
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	key := s.dialogKey
	s.mu.Unlock()
	defer subscriptionRegistry.remove(key)

	req := sip.NewRequest(sip.SUBSCRIBE, s.recipient)
	req.AppendHeader(s.contact.Clone())
	req.AppendHeader(sip.NewHeader("Event", s.event))
	req.AppendHeader(sip.NewHeader("Expires", "0"))

	tx, err := s.client.TransactionRequest(ctx, req)
	if err != nil {
		return err
	}
	defer tx.Terminate()

	_, err = waitFinal(ctx, tx)
	return err
}

func firstToken(v string) string {
	for i, r := range v {
		if r == ';' || r == ' ' {
			return v[:i]
		}
	}
	return v
}
