// Package ua assembles the transport, transaction-user, and dialog layers
// underneath it into the single handle an application actually holds: one
// address-of-record, one outbound connection, and the four collections of
// active Transaction-User usages (registrations, sessions, subscriptions,
// publications) that hang off it.
package ua

import (
	"context"
	"fmt"
	"sync"

	"github.com/sipcore/sipstack"
	"github.com/sipcore/sipstack/sip"
	"github.com/sipcore/sipstack/transportfsm"
	"github.com/sipcore/sipstack/tu"
)

// State is the UserAgent's own lifecycle, independent of the transportfsm
// connection state underneath it.
type State int

const (
	StateStopped State = iota
	StateStarted
)

func (s State) String() string {
	if s == StateStarted {
		return "started"
	}
	return "stopped"
}

// ErrAlreadyStarted is returned by Start when called on a running UserAgent.
var ErrAlreadyStarted = fmt.Errorf("ua: already started")

// ErrNotStarted is returned by operations that require Start to have run.
var ErrNotStarted = fmt.Errorf("ua: not started")

// UserAgent is the top-level handle an application builds once: it owns
// the transport/transaction layers (sipstack.UserAgent), the server-side
// dispatch (sipstack.Server), the dialog registries (sipstack.DialogClient/
// DialogServer) both sides of every INVITE run through, and the four
// collections of Transaction-User usages this process keeps alive.
type UserAgent struct {
	cfg Config

	mu    sync.Mutex
	state State

	stack    *sipstack.UserAgent
	client   *sipstack.Client
	server   *sipstack.Server
	dialogUA *sipstack.DialogUA
	dclients *sipstack.DialogClient
	dservers *sipstack.DialogServer

	contact sip.ContactHeader

	registerers   map[string]*tu.Registerer
	publishers    map[string]*tu.Publisher
	sessions      map[string]*tu.Session
	subscriptions map[string]*tu.Subscription

	transport         *transportfsm.FSM
	transportConnOnce bool
	cancel            context.CancelFunc
}

// New builds a UserAgent from the given options. The returned value is
// Stopped; call Start to bind a listener and (if WithTransportConstructor
// was given) bring up the reconnecting outbound leg.
func New(opts ...Option) (*UserAgent, error) {
	cfg := Config{}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.URI.Host == "" {
		return nil, fmt.Errorf("ua: WithURI is required")
	}

	a := &UserAgent{
		cfg:           cfg,
		registerers:   make(map[string]*tu.Registerer),
		publishers:    make(map[string]*tu.Publisher),
		sessions:      make(map[string]*tu.Session),
		subscriptions: make(map[string]*tu.Subscription),
	}

	if cfg.AutoStart {
		if err := a.Start(context.Background(), "udp", cfg.URI.Host); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Start binds the inbound listener on network/addr, wires dialog dispatch
// and this UserAgent's Delegate to the server's request handlers, and, if a
// TransportConstructor was configured, brings up the reconnecting outbound
// leg that drives re-registration on reconnect.
func (a *UserAgent) Start(ctx context.Context, network, addr string) error {
	a.mu.Lock()
	if a.state == StateStarted {
		a.mu.Unlock()
		return ErrAlreadyStarted
	}

	uaOpts := []sipstack.UserAgentOption{}
	if a.cfg.UserAgentString != "" {
		uaOpts = append(uaOpts, sipstack.WithUserAgent(a.cfg.UserAgentString))
	}
	if a.cfg.ViaHost != "" {
		uaOpts = append(uaOpts, sipstack.WithUserAgentHostname(a.cfg.ViaHost))
	}

	stack, err := sipstack.NewUA(uaOpts...)
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("ua: build transport/transaction layer: %w", err)
	}

	clientOpts := []sipstack.ClientOption{}
	if a.cfg.ForceRport {
		clientOpts = append(clientOpts, sipstack.WithClientNAT())
	}
	client, err := sipstack.NewClient(stack, clientOpts...)
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("ua: build client: %w", err)
	}

	server, err := sipstack.NewServer(stack)
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("ua: build server: %w", err)
	}

	a.contact = sip.ContactHeader{
		DisplayName: a.cfg.DisplayName,
		Address:     *a.cfg.URI.Clone(),
		Params:      sip.NewParams(),
	}

	a.stack = stack
	a.client = client
	a.server = server
	a.dialogUA = &sipstack.DialogUA{Client: client, ContactHDR: a.contact}
	a.dclients = sipstack.NewDialogClientCache(client, a.contact)
	a.dservers = sipstack.NewDialogServerCache(client, a.contact)

	a.wireHandlers()

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.state = StateStarted
	a.mu.Unlock()

	go func() {
		if err := server.ListenAndServe(runCtx, network, addr); err != nil && runCtx.Err() == nil {
			_ = err
		}
	}()

	if a.cfg.TransportConstructor != nil {
		conn, err := a.cfg.TransportConstructor()
		if err != nil {
			return fmt.Errorf("ua: build outbound connection: %w", err)
		}
		opts := a.cfg.TransportOptions
		if a.cfg.ReconnectionDelay > 0 {
			opts.ReconnectDelay = a.cfg.ReconnectionDelay
		}
		if a.cfg.ReconnectionAttempts > 0 {
			opts.MaxReconnectAttempts = a.cfg.ReconnectionAttempts
		}
		opts.Metrics = client.Metrics

		a.transport = transportfsm.New(conn, opts, nil)
		a.transport.OnStateChange(a.onTransportStateChange)
		go a.transport.Start(runCtx)
	}

	return nil
}

// onTransportStateChange re-registers every active Registerer once the
// outbound leg comes back Connected after having dropped at least once.
// The first Connected transition after Start is the initial connect, not a
// reconnect, so it does not trigger a re-register (each Registerer's
// initial REGISTER, sent by UserAgent.Register, covers that case).
func (a *UserAgent) onTransportStateChange(s transportfsm.State) {
	if s != transportfsm.StateConnected {
		return
	}

	a.mu.Lock()
	first := !a.transportConnOnce
	a.transportConnOnce = true
	regs := make([]*tu.Registerer, 0, len(a.registerers))
	for _, r := range a.registerers {
		regs = append(regs, r)
	}
	a.mu.Unlock()

	if first {
		return
	}

	for _, r := range regs {
		go func(r *tu.Registerer) {
			_ = r.Register(context.Background())
		}(r)
	}
}

// wireHandlers registers the server-side request handlers that dispatch
// inbound INVITE/MESSAGE/REFER to this UserAgent's Delegate, and inbound
// ACK/BYE to the dialog registries already tracking the INVITE that
// established them.
func (a *UserAgent) wireHandlers() {
	a.server.OnInvite(func(req *sip.Request, tx sip.ServerTransaction) {
		dss, err := a.dservers.ReadInvite(req, tx)
		if err != nil {
			tx.Respond(sip.NewResponseFromRequest(req, sip.StatusBadRequest, "Bad Request", nil))
			return
		}

		inv, statusCode, err := tu.NewInvitation(dss, a.dservers)
		if statusCode != 0 {
			reason := "Call/Transaction Does Not Exist"
			switch statusCode {
			case sip.StatusBusyHere:
				reason = "Busy Here"
			case sip.StatusBadRequest:
				reason = "Bad Request"
			}
			dss.Respond(statusCode, reason, nil)
			return
		}
		if err != nil || a.cfg.Delegate == nil {
			inv.Reject(context.Background(), sip.StatusBusyHere, "Busy Here")
			return
		}

		a.cfg.Delegate.OnInvite(inv)
	})

	a.server.OnAck(func(req *sip.Request, tx sip.ServerTransaction) {
		a.dservers.ReadAck(req, tx)
	})

	a.server.OnBye(func(req *sip.Request, tx sip.ServerTransaction) {
		// A BYE tearing down a dialog we initiated (UAC side) arrives as an
		// inbound request too; try the callee-side registry first since
		// inbound INVITEs outnumber outbound ones in most deployments, then
		// fall back to the caller-side registry.
		if err := a.dservers.ReadBye(req, tx); err == nil {
			return
		}
		a.dclients.ReadBye(req, tx)
	})

	a.server.OnMessage(func(req *sip.Request, tx sip.ServerTransaction) {
		tx.Respond(sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil))
		if a.cfg.Delegate == nil {
			return
		}
		ct := ""
		if h := req.GetHeader("Content-Type"); h != nil {
			ct = h.Value()
		}
		from := ""
		if f := req.From(); f != nil {
			from = f.Address.String()
		}
		a.cfg.Delegate.OnMessage(from, ct, req.Body())
	})

	a.server.OnRefer(func(req *sip.Request, tx sip.ServerTransaction) {
		const statusAccepted sip.StatusCode = 202
		tx.Respond(sip.NewResponseFromRequest(req, statusAccepted, "Accepted", nil))
		if a.cfg.Delegate == nil {
			return
		}
		from, referTo := "", ""
		if f := req.From(); f != nil {
			from = f.Address.String()
		}
		if h := req.GetHeader("Refer-To"); h != nil {
			referTo = h.Value()
		}
		a.cfg.Delegate.OnRefer(from, referTo)
	})

	tu.WireNotifyDispatch(a.server)
}

// Invite places an outbound call and tracks the resulting Session under
// key until it terminates.
func (a *UserAgent) Invite(ctx context.Context, key string, recipient sip.Uri, headers ...sip.Header) (*tu.Session, error) {
	a.mu.Lock()
	if a.state != StateStarted {
		a.mu.Unlock()
		return nil, ErrNotStarted
	}
	factory := a.cfg.SessionDescriptionHandlerFactory
	a.mu.Unlock()
	if factory == nil {
		return nil, fmt.Errorf("ua: no SessionDescriptionHandlerFactory configured")
	}

	inviter := tu.NewInviter(a.dialogUA)
	s, err := inviter.Invite(ctx, recipient, factory(), headers...)
	if err != nil {
		return s, err
	}

	a.mu.Lock()
	a.sessions[key] = s
	a.mu.Unlock()
	return s, nil
}

// Register starts a Registerer for recipient and tracks it under key. The
// first REGISTER is sent synchronously; the returned Registerer refreshes
// itself, and is re-registered automatically on outbound reconnect.
func (a *UserAgent) Register(ctx context.Context, key string, recipient sip.Uri, opts tu.RegistererOptions) (*tu.Registerer, error) {
	a.mu.Lock()
	if a.state != StateStarted {
		a.mu.Unlock()
		return nil, ErrNotStarted
	}
	client := a.client
	contact := a.contact
	a.mu.Unlock()

	if opts.Username == "" {
		opts.Username = a.cfg.AuthorizationUsername
	}
	if opts.Password == "" {
		opts.Password = a.cfg.AuthorizationPassword
	}

	r := tu.NewRegisterer(client, recipient, contact, opts)
	if err := r.Register(ctx); err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.registerers[key] = r
	a.mu.Unlock()
	return r, nil
}

// Publish starts a Publisher against recipient, tracked under key.
func (a *UserAgent) Publish(ctx context.Context, key string, recipient sip.Uri, opts tu.PublisherOptions, body []byte) (*tu.Publisher, error) {
	a.mu.Lock()
	if a.state != StateStarted {
		a.mu.Unlock()
		return nil, ErrNotStarted
	}
	client := a.client
	a.mu.Unlock()

	p := tu.NewPublisher(client, recipient, opts)
	if err := p.Publish(ctx, body); err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.publishers[key] = p
	a.mu.Unlock()
	return p, nil
}

// Subscribe starts a Subscription against recipient, tracked under key.
func (a *UserAgent) Subscribe(ctx context.Context, key string, recipient sip.Uri, opts tu.SubscriptionOptions) (*tu.Subscription, error) {
	a.mu.Lock()
	if a.state != StateStarted {
		a.mu.Unlock()
		return nil, ErrNotStarted
	}
	client := a.client
	contact := a.contact
	a.mu.Unlock()

	s := tu.NewSubscription(client, recipient, contact, opts)
	if err := s.Subscribe(ctx); err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.subscriptions[key] = s
	a.mu.Unlock()
	return s, nil
}

// Stop tears down every tracked usage in Registerer, Session, Subscription,
// Publisher order (unregistering first so a peer stops routing to us
// before we drop the sessions/subscriptions it would otherwise still
// signal), then closes the outbound leg and the listener.
func (a *UserAgent) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.state != StateStarted {
		a.mu.Unlock()
		return ErrNotStarted
	}

	registerers := a.registerers
	sessions := a.sessions
	subscriptions := a.subscriptions
	publishers := a.publishers
	a.registerers = make(map[string]*tu.Registerer)
	a.sessions = make(map[string]*tu.Session)
	a.subscriptions = make(map[string]*tu.Subscription)
	a.publishers = make(map[string]*tu.Publisher)
	transport := a.transport
	cancel := a.cancel
	a.state = StateStopped
	a.mu.Unlock()

	for _, r := range registerers {
		r.Close(ctx)
	}
	for _, s := range sessions {
		if s.State() == tu.SessionEstablished {
			s.Bye(ctx)
		}
	}
	for _, s := range subscriptions {
		s.Unsubscribe(ctx)
	}
	for _, p := range publishers {
		p.Unpublish(ctx)
	}

	if transport != nil {
		transport.Close()
		<-transport.Done()
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

// State reports Started or Stopped.
func (a *UserAgent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Session looks up a tracked outbound/inbound session by key.
func (a *UserAgent) Session(key string) (*tu.Session, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[key]
	return s, ok
}
