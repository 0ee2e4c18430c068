package tu

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sipcore/sipstack"
	"github.com/sipcore/sipstack/digestauth"
	"github.com/sipcore/sipstack/sip"
)

// defaultExpires matches RFC 3261 §10.2's recommended default when a
// REGISTER carries no explicit Expires.
const defaultExpires = 3600

// Registerer keeps a REGISTER binding alive, grounded on the reference
// register client's digest-retry flow, generalized into a stateful object
// that refreshes at 90% of the granted Expires and recovers from 423
// (Interval Too Brief) by raising Min-Expires and retrying once.
type Registerer struct {
	client    *sipstack.Client
	recipient sip.Uri
	contact   sip.ContactHeader
	username  string
	password  string

	mu       sync.Mutex
	expires  int
	cancel   context.CancelFunc
	auth     *digestauth.Authenticator
	onExpire func(error)
}

// RegistererOptions configures a Registerer.
type RegistererOptions struct {
	Username string
	Password string
	Expires  int // 0 uses defaultExpires
}

func NewRegisterer(client *sipstack.Client, recipient sip.Uri, contact sip.ContactHeader, opts RegistererOptions) *Registerer {
	expires := opts.Expires
	if expires <= 0 {
		expires = defaultExpires
	}
	var auth *digestauth.Authenticator
	if opts.Username != "" {
		auth = digestauth.New(digestauth.Credentials{Username: opts.Username, Password: opts.Password})
	}
	return &Registerer{
		client:    client,
		recipient: recipient,
		contact:   contact,
		username:  opts.Username,
		password:  opts.Password,
		expires:   expires,
		auth:      auth,
	}
}

func (r *Registerer) buildRequest(expires int) *sip.Request {
	req := sip.NewRequest(sip.REGISTER, r.recipient)
	req.AppendHeader(r.contact.Clone())
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expires)))
	return req
}

// Register sends the initial REGISTER, retrying once on a digest challenge
// and once more on 423 with the server's Min-Expires, then starts the
// refresh timer. Blocks until the first (non-refresh) attempt settles.
func (r *Registerer) Register(ctx context.Context) error {
	r.mu.Lock()
	expires := r.expires
	r.mu.Unlock()

	res, err := r.doRegister(ctx, expires)
	if err != nil {
		return err
	}

	if res.StatusCode == sip.StatusIntervalTooBrief {
		min := res.GetHeader("Min-Expires")
		if min == nil {
			return fmt.Errorf("tu: 423 response missing Min-Expires")
		}
		newExpires, convErr := strconv.Atoi(min.Value())
		if convErr != nil {
			return fmt.Errorf("tu: invalid Min-Expires: %w", convErr)
		}
		r.mu.Lock()
		r.expires = newExpires
		r.mu.Unlock()
		res, err = r.doRegister(ctx, newExpires)
		if err != nil {
			return err
		}
	}

	if !res.IsSuccess() {
		return fmt.Errorf("tu: register failed with %s", res.StartLine())
	}

	r.startRefresh(ctx)
	return nil
}

func (r *Registerer) doRegister(ctx context.Context, expires int) (*sip.Response, error) {
	req := r.buildRequest(expires)
	tx, err := r.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()

	res, err := waitFinal(ctx, tx)
	if err != nil {
		return nil, err
	}

	if res.StatusCode == sip.StatusUnauthorized && r.auth != nil {
		h := res.GetHeader("WWW-Authenticate")
		if h == nil {
			return res, nil
		}
		cred, err := r.auth.Respond(req.Method.String(), r.recipient.Addr(), h.Value(), nil)
		if err != nil {
			return nil, fmt.Errorf("tu: digest response: %w", err)
		}
		retry := req.Clone()
		retry.AppendHeader(sip.NewHeader("Authorization", cred))
		tx2, err := r.client.TransactionRequest(ctx, retry)
		if err != nil {
			return nil, err
		}
		defer tx2.Terminate()
		res, err = waitFinal(ctx, tx2)
		if err != nil {
			return nil, err
		}
	}

	// A 2xx may grant a shorter Expires than requested; refreshes follow it.
	if res.IsSuccess() {
		if h := res.GetHeader("Expires"); h != nil {
			if v, convErr := strconv.Atoi(h.Value()); convErr == nil && v > 0 && v < expires {
				r.mu.Lock()
				r.expires = v
				r.mu.Unlock()
			}
		}
	}
	return res, nil
}

// startRefresh arranges a re-REGISTER at 90% of the granted expiry. The
// timer runs until Close stops it or a refresh attempt errors, in which
// case onExpire (if set via OnExpire) is called once.
func (r *Registerer) startRefresh(parent context.Context) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))

	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.cancel = cancel
	expires := r.expires
	r.mu.Unlock()

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

		r.mu.Lock()
		expires := r.expires
		r.mu.Unlock()

		res, err := r.doRegister(ctx, expires)
		if err != nil {
			r.notifyExpire(err)
			return
		}
		if !res.IsSuccess() {
			r.notifyExpire(fmt.Errorf("tu: refresh failed with %s", res.StartLine()))
			return
		}
		r.startRefresh(ctx)
	}()
}

func (r *Registerer) notifyExpire(err error) {
	r.mu.Lock()
	cb := r.onExpire
	r.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

// OnExpire registers a callback invoked if a refresh attempt fails.
func (r *Registerer) OnExpire(f func(error)) {
	r.mu.Lock()
	r.onExpire = f
	r.mu.Unlock()
}

// Close sends a zero-Expires de-registration and stops the refresh timer.
func (r *Registerer) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.mu.Unlock()

	_, err := r.doRegister(ctx, 0)
	return err
}

func waitFinal(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tx.Done():
			return nil, fmt.Errorf("tu: transaction terminated: %w", tx.Err())
		case res := <-tx.Responses():
			if res.IsProvisional() {
				continue
			}
			return res, nil
		}
	}
}
