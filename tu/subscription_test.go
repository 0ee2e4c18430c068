package tu

import (
	"context"
	"testing"

	"github.com/sipcore/sipstack/sip"
	"github.com/sipcore/sipstack/siptest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNotifyRequest(callID string, fromTag, toTag string, state string) *sip.Request {
	req := sip.NewRequest(sip.NOTIFY, sip.Uri{User: "alice", Host: "alice.example.com"})
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP",
		Host: "presence.example.com", Port: 5060, Params: sip.NewParams(),
	})
	fromParams := sip.NewParams()
	fromParams.Set("tag", fromTag)
	req.AppendHeader(&sip.FromHeader{Address: sip.Uri{User: "presence", Host: "presence.example.com"}, Params: fromParams})
	toParams := sip.NewParams()
	toParams.Set("tag", toTag)
	req.AppendHeader(&sip.ToHeader{Address: sip.Uri{User: "alice", Host: "alice.example.com"}, Params: toParams})
	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.NOTIFY})
	req.AppendHeader(sip.NewHeader("Event", "presence"))
	req.AppendHeader(sip.NewHeader("Subscription-State", state))
	req.SetBody([]byte("<presence/>"))
	return req
}

func TestSubscriptionSubscribeSuccess(t *testing.T) {
	client := testClient(t, func(req *sip.Request) *sip.Response {
		assert.Equal(t, sip.SUBSCRIBE, req.Method)
		assert.Equal(t, "presence", req.GetHeader("Event").Value())
		res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
		res.AppendHeader(sip.NewHeader("Expires", "3600"))
		return res
	})

	s := NewSubscription(client, sip.Uri{Host: "presence.example.com"}, testContact(), SubscriptionOptions{Event: "presence"})
	err := s.Subscribe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SubscriptionNotifyWait, s.State())
	assert.NotEmpty(t, s.dialogKey)
}

func TestSubscriptionHandleNotifyTransitions(t *testing.T) {
	client := testClient(t, func(req *sip.Request) *sip.Response {
		return sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	})

	s := NewSubscription(client, sip.Uri{Host: "presence.example.com"}, testContact(), SubscriptionOptions{Event: "presence"})
	var gotBody []byte
	var gotState string
	s.OnNotify(func(body []byte, state string) {
		gotBody = body
		gotState = state
	})

	// NOTIFYs are handled once the SUBSCRIBE has gone out (NotifyWait).
	require.NoError(t, s.sm.Event(context.Background(), "subscribe_sent"))

	req := testNotifyRequest("call-1", "fromtag", "totag", "active")
	tx := siptest.NewServerTxRecorder(req)

	s.handleNotify(req, tx)
	assert.Equal(t, SubscriptionActive, s.State())
	assert.Equal(t, "active", gotState)
	assert.Equal(t, "<presence/>", string(gotBody))

	resps := tx.Result()
	require.Len(t, resps, 1)
	assert.Equal(t, sip.StatusOK, resps[0].StatusCode)
}

func TestSubscriptionHandleNotifyPendingThenTerminated(t *testing.T) {
	client := testClient(t, func(req *sip.Request) *sip.Response {
		return sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	})

	s := NewSubscription(client, sip.Uri{Host: "presence.example.com"}, testContact(), SubscriptionOptions{Event: "presence"})
	s.dialogKey = dialogKey("call-2", "fromtag", "totag")
	subscriptionRegistry.put(s.dialogKey, s)
	require.NoError(t, s.sm.Event(context.Background(), "subscribe_sent"))

	pending := testNotifyRequest("call-2", "fromtag", "totag", "pending")
	s.handleNotify(pending, siptest.NewServerTxRecorder(pending))
	assert.Equal(t, SubscriptionPending, s.State())
	assert.NotNil(t, subscriptionRegistry.lookup(s.dialogKey))

	terminated := testNotifyRequest("call-2", "fromtag", "totag", "terminated")
	s.handleNotify(terminated, siptest.NewServerTxRecorder(terminated))
	assert.Equal(t, SubscriptionTerminated, s.State())
	assert.Nil(t, subscriptionRegistry.lookup(s.dialogKey))
}

func TestSubscriptionUnsubscribe(t *testing.T) {
	client := testClient(t, func(req *sip.Request) *sip.Response {
		assert.Equal(t, "0", req.GetHeader("Expires").Value())
		return sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	})

	s := NewSubscription(client, sip.Uri{Host: "presence.example.com"}, testContact(), SubscriptionOptions{Event: "presence"})
	s.dialogKey = dialogKey("call-3", "a", "b")
	subscriptionRegistry.put(s.dialogKey, s)

	err := s.Unsubscribe(context.Background())
	require.NoError(t, err)
	assert.Nil(t, subscriptionRegistry.lookup(s.dialogKey))
}
