package sipstack

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sipcore/sipstack/sip"
	"github.com/sipcore/sipstack/sipmetrics"
)

var (
	ErrDialogOutsideDialog   = errors.New("Call/Transaction Outside Dialog")
	ErrDialogDoesNotExists   = errors.New("Call/Transaction Does Not Exist")
	ErrDialogInviteNoContact = errors.New("No Contact header")
	ErrDialogCanceled        = errors.New("Dialog canceled")
	ErrDialogInvalidCseq     = errors.New("Invalid CSEQ number")
	ErrDialogUnauthorized    = errors.New("Unauthorized")
)

type ErrDialogResponse struct {
	Res *sip.Response
}

func (e ErrDialogResponse) Error() string {
	return fmt.Sprintf("Invite failed with response: %s", e.Res.StartLine())
}

type DialogStateFn func(s sip.DialogState)
type Dialog struct {
	ID string

	// InviteRequest is set when dialog is created. It is not thread safe!
	// Use it only as read only and use methods to change headers
	InviteRequest *sip.Request

	// lastCSeqNo numbers requests we generate within this dialog (set for
	// every request except ACK/CANCEL)
	lastCSeqNo uint32

	// remoteCSeq is the CSeq of the last in-dialog request we received from
	// the peer. Tracked separately from lastCSeqNo: our own outgoing
	// re-INVITEs must not affect validation of the peer's request numbering.
	remoteCSeq uint32

	// InviteResponse is last response received or sent. It is not thread safe!
	// Use it only as read only and do not change values
	InviteResponse *sip.Response

	state atomic.Int32

	// stateCh and done are reserved for callers that prefer polling a
	// channel over OnState; not every Dialog user drains them.
	stateCh chan sip.DialogState
	done    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	onStatePointer atomic.Pointer[DialogStateFn]

	// cause holds the reason a dialog ended early (e.g. transaction canceled)
	cause atomic.Pointer[error]

	// store user values
	values sync.Map

	// usagesMu guards usages, the set of TU-level objects (a *tu.Session or
	// *tu.Subscription, tracked by an opaque key) currently referencing this
	// dialog. The dialog exists only as long as this set is non-empty: the
	// first AddUsage fires DialogCreated on metrics, and the RemoveUsage that
	// empties it fires DialogDestroyed.
	usagesMu sync.Mutex
	usages   map[string]struct{}

	// metrics is nil unless AttachMetrics was called by whichever layer
	// constructed this Dialog; every call site treats a nil collector as a
	// no-op, same convention as sipmetrics.Collector everywhere else.
	metrics *sipmetrics.Collector
}

// AttachMetrics wires the collector consulted on usage-count transitions.
func (d *Dialog) AttachMetrics(m *sipmetrics.Collector) {
	d.metrics = m
}

// AddUsage registers key as referencing this dialog. The first usage added
// transitions the dialog into existence for metrics purposes.
func (d *Dialog) AddUsage(key string) {
	d.usagesMu.Lock()
	if d.usages == nil {
		d.usages = make(map[string]struct{})
	}
	wasEmpty := len(d.usages) == 0
	d.usages[key] = struct{}{}
	d.usagesMu.Unlock()

	if wasEmpty && d.metrics != nil {
		d.metrics.DialogCreated()
	}
}

// RemoveUsage drops key's reference. Once the last usage is gone, the
// dialog is considered destroyed for metrics purposes; callers still own
// tearing down the underlying transaction/session state themselves.
func (d *Dialog) RemoveUsage(key string) {
	d.usagesMu.Lock()
	if d.usages != nil {
		delete(d.usages, key)
	}
	nowEmpty := len(d.usages) == 0
	d.usagesMu.Unlock()

	if nowEmpty && d.metrics != nil {
		d.metrics.DialogDestroyed()
	}
}

// UsageCount reports how many usages currently reference this dialog.
func (d *Dialog) UsageCount() int {
	d.usagesMu.Lock()
	defer d.usagesMu.Unlock()
	return len(d.usages)
}

// Init setups dialog state
func (d *Dialog) Init() {
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.state = atomic.Int32{}

	if cseq := d.InviteRequest.CSeq(); cseq != nil {
		d.lastCSeqNo = cseq.SeqNo
		d.remoteCSeq = cseq.SeqNo
	}
	d.onStatePointer = atomic.Pointer[DialogStateFn]{}
}

func (d *Dialog) OnState(f DialogStateFn) {
	for current := d.onStatePointer.Load(); current != nil; current = d.onStatePointer.Load() {
		cb := *current
		newCb := func(s sip.DialogState) {
			f(s)
			cb(s)
		}
		newCBState := DialogStateFn(newCb)
		if d.onStatePointer.CompareAndSwap(current, &newCBState) {
			return
		}
	}
	d.onStatePointer.Store(&f)
}

func (d *Dialog) InitWithState(s sip.DialogState) {
	d.Init()
	d.state.Store(int32(s))
}

func (d *Dialog) setState(s sip.DialogState) {
	old := d.state.Swap(int32(s))
	if old == int32(s) {
		// Safety
		return
	}

	if s == sip.DialogStateEnded {
		d.cancel()
	}

	if f := d.onStatePointer.Load(); f != nil {
		cb := *f
		cb(s)
	}
}

func (d *Dialog) LoadState() sip.DialogState {
	return sip.DialogState(d.state.Load())
}

func (d *Dialog) StateRead() <-chan sip.DialogState {
	ch := make(chan sip.DialogState, 5)
	d.OnState(func(s sip.DialogState) {
		select {
		case ch <- s:
		default:
		}
	})

	return ch
}

func (d *Dialog) CSEQ() uint32 {
	return d.lastCSeqNo
}

// SetCSEQ overrides the last seen in-dialog CSeq number. Used when resuming
// a dialog session from externally persisted state.
func (d *Dialog) SetCSEQ(cseq uint32) {
	d.lastCSeqNo = cseq
}

// endWithCause records err as the reason the dialog ended and transitions it
// to DialogStateEnded.
func (d *Dialog) endWithCause(err error) {
	if err != nil {
		d.cause.Store(&err)
	}
	d.setState(sip.DialogStateEnded)
}

// err returns the cause set via endWithCause, or nil if the dialog ended
// normally or is still active.
func (d *Dialog) err() error {
	if c := d.cause.Load(); c != nil {
		return *c
	}
	return nil
}

func (d *Dialog) Context() context.Context {
	return d.ctx
}

func (d *Dialog) Store(key string, value any) {
	d.values.Store(key, value)
}

func (d *Dialog) Load(key string) (any, bool) {
	return d.values.Load(key)
}

func (d *Dialog) Delete(key string) {
	d.values.Delete(key)
}
