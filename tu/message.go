package tu

import (
	"context"
	"fmt"

	"github.com/sipcore/sipstack"
	"github.com/sipcore/sipstack/sip"
)

// SendMessage builds and sends a single MESSAGE request (RFC 3428),
// blocking for the final response. There is no dialog or refresh: a
// MESSAGE is a one-shot non-INVITE client transaction.
func SendMessage(ctx context.Context, client *sipstack.Client, recipient sip.Uri, contentType string, body []byte) (*sip.Response, error) {
	return sendOneShot(ctx, client, sip.MESSAGE, recipient, contentType, body)
}

// SendInfo builds and sends a single INFO request (RFC 6086) within an
// existing dialog's client leg. Callers needing dialog framing (Route set,
// remote target) should set those headers before calling, or use
// Session.Do for an in-dialog request against an established Session.
func SendInfo(ctx context.Context, client *sipstack.Client, recipient sip.Uri, contentType string, body []byte) (*sip.Response, error) {
	return sendOneShot(ctx, client, sip.INFO, recipient, contentType, body)
}

// SendRefer builds and sends a single REFER request (RFC 3515) with a
// Refer-To header. The resulting NOTIFY(s) reporting refer progress are
// not tracked here; wire Subscription/WireNotifyDispatch if the caller
// needs to observe them (RFC 3515 implicitly subscribes the REFER issuer).
func SendRefer(ctx context.Context, client *sipstack.Client, recipient sip.Uri, referTo string) (*sip.Response, error) {
	req := sip.NewRequest(sip.REFER, recipient)
	req.AppendHeader(sip.NewHeader("Refer-To", referTo))

	tx, err := client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()
	return waitFinal(ctx, tx)
}

func sendOneShot(ctx context.Context, client *sipstack.Client, method sip.RequestMethod, recipient sip.Uri, contentType string, body []byte) (*sip.Response, error) {
	req := sip.NewRequest(method, recipient)
	if contentType != "" {
		req.AppendHeader(sip.NewHeader("Content-Type", contentType))
	}
	req.SetBody(body)

	tx, err := client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()

	res, err := waitFinal(ctx, tx)
	if err != nil {
		return nil, err
	}
	if !res.IsSuccess() {
		return res, fmt.Errorf("tu: %s failed with %s", method, res.StartLine())
	}
	return res, nil
}
