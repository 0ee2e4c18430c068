package tu

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sipcore/sipstack"
	"github.com/sipcore/sipstack/sip"
)

const (
	PublisherInitial     = "initial"
	PublisherPublished   = "published"
	PublisherUnpublished = "unpublished"
	PublisherTerminated  = "terminated"
)

// Publisher implements RFC 3903 event-state publication: builds PUBLISH
// with Event/Expires, adds SIP-If-Match on every refresh once an ETag has
// been granted, and recovers from 412 (stale/missing ETag) and 423
// (Interval Too Brief) the way a long-lived registration recovers from the
// matching REGISTER failures.
type Publisher struct {
	client    *sipstack.Client
	recipient sip.Uri
	event     string

	mu      sync.Mutex
	state   string
	etag    string
	expires int
	cancel  context.CancelFunc
}

type PublisherOptions struct {
	Event   string
	Expires int // 0 uses defaultExpires
}

func NewPublisher(client *sipstack.Client, recipient sip.Uri, opts PublisherOptions) *Publisher {
	expires := opts.Expires
	if expires <= 0 {
		expires = defaultExpires
	}
	return &Publisher{
		client:    client,
		recipient: recipient,
		event:     opts.Event,
		state:     PublisherInitial,
		expires:   expires,
	}
}

// State reports the current state name.
func (p *Publisher) State() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Publish sends an initial or refreshing PUBLISH carrying body. A non-empty
// SIP-ETag from a prior successful publication is sent as SIP-If-Match; a
// 412 response drops it and resubmits once as an initial publication.
func (p *Publisher) Publish(ctx context.Context, body []byte) error {
	return p.publish(ctx, body, true)
}

func (p *Publisher) publish(ctx context.Context, body []byte, allowRetryOn412 bool) error {
	p.mu.Lock()
	etag := p.etag
	expires := p.expires
	p.mu.Unlock()

	req := sip.NewRequest(sip.PUBLISH, p.recipient)
	req.AppendHeader(sip.NewHeader("Event", p.event))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expires)))
	if etag != "" {
		req.AppendHeader(sip.NewHeader("SIP-If-Match", etag))
	}
	req.SetBody(body)

	tx, err := p.client.TransactionRequest(ctx, req)
	if err != nil {
		return err
	}
	defer tx.Terminate()

	res, err := waitFinal(ctx, tx)
	if err != nil {
		return err
	}

	switch {
	case res.IsSuccess():
		newEtag := ""
		if h := res.GetHeader("SIP-ETag"); h != nil {
			newEtag = h.Value()
		}
		newExpires := expires
		if h := res.GetHeader("Expires"); h != nil {
			if v, convErr := strconv.Atoi(h.Value()); convErr == nil && v > 0 && v < newExpires {
				newExpires = v
			}
		}
		p.mu.Lock()
		p.etag = newEtag
		p.expires = newExpires
		p.state = PublisherPublished
		p.mu.Unlock()
		p.startRefresh(ctx)
		return nil

	case res.StatusCode == sip.StatusIntervalTooBrief:
		min := res.GetHeader("Min-Expires")
		if min == nil {
			return fmt.Errorf("tu: 423 response missing Min-Expires")
		}
		newExpires, convErr := strconv.Atoi(min.Value())
		if convErr != nil {
			return fmt.Errorf("tu: invalid Min-Expires: %w", convErr)
		}
		p.mu.Lock()
		p.expires = newExpires
		p.mu.Unlock()
		return p.publish(ctx, body, allowRetryOn412)

	case res.StatusCode == sip.StatusConditionalRequestFailed:
		isRemove := len(body) == 0 && etag != ""
		if isRemove {
			p.mu.Lock()
			p.state = PublisherTerminated
			p.mu.Unlock()
			return fmt.Errorf("tu: publish remove rejected with stale ETag")
		}
		if !allowRetryOn412 {
			p.mu.Lock()
			p.state = PublisherUnpublished
			p.mu.Unlock()
			return fmt.Errorf("tu: publish rejected with stale ETag on retry")
		}
		p.mu.Lock()
		p.etag = ""
		p.mu.Unlock()
		return p.publish(ctx, body, false)

	default:
		p.mu.Lock()
		p.state = PublisherUnpublished
		p.mu.Unlock()
		return fmt.Errorf("tu: publish failed with %s", res.StartLine())
	}
}

func (p *Publisher) startRefresh(parent context.Context) {
	p.mu.Lock()
	expires := p.expires
	if p.cancel != nil {
		p.cancel()
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	p.cancel = cancel
	p.mu.Unlock()

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
		_ = p.publish(ctx, nil, true)
	}()
}

// Unpublish sends a zero-Expires PUBLISH with SIP-If-Match to remove the
// published event state.
func (p *Publisher) Unpublish(ctx context.Context) error {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.expires = 0
	p.mu.Unlock()

	err := p.publish(ctx, nil, false)
	p.mu.Lock()
	p.state = PublisherTerminated
	p.mu.Unlock()
	return err
}
