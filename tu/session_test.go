package tu

import (
	"context"
	"testing"

	"github.com/sipcore/sipstack"
	"github.com/sipcore/sipstack/sip"
	"github.com/sipcore/sipstack/siptest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testLocalSDP = "v=0\r\n" +
	"o=- 0 0 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"c=IN IP4 127.0.0.1\r\n" +
	"t=0 0\r\n" +
	"m=audio 49170 RTP/AVP 0\r\n"

func testSDH(t testing.TB) SessionDescriptionHandler {
	factory, err := NewStaticSDPHandlerFactory([]byte(testLocalSDP))
	require.NoError(t, err)
	return factory()
}

func testDialogUA(t testing.TB, f func(req *sip.Request) *sip.Response) *sipstack.DialogUA {
	client := testClient(t, f)
	return &sipstack.DialogUA{Client: client, ContactHDR: testContact()}
}

func TestInviterInviteEstablishesSession(t *testing.T) {
	dua := testDialogUA(t, func(req *sip.Request) *sip.Response {
		assert.Equal(t, sip.INVITE, req.Method)
		assert.Equal(t, "application/sdp", req.GetHeader("Content-Type").Value())
		res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
		res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
		res.SetBody([]byte(testLocalSDP))
		return res
	})

	inviter := NewInviter(dua)
	sdh := testSDH(t)

	s, err := inviter.Invite(context.Background(), sip.Uri{Host: "bob.example.com"}, sdh)
	require.NoError(t, err)
	assert.Equal(t, SessionEstablished, s.State())
	assert.True(t, sdh.HasDescription())
}

func TestInviterInviteRejected(t *testing.T) {
	dua := testDialogUA(t, func(req *sip.Request) *sip.Response {
		return sip.NewResponseFromRequest(req, sip.StatusBusyHere, "Busy Here", nil)
	})

	inviter := NewInviter(dua)
	s, err := inviter.Invite(context.Background(), sip.Uri{Host: "bob.example.com"}, testSDH(t))
	require.Error(t, err)
	assert.Equal(t, SessionTerminated, s.State())
	assert.Error(t, s.Err())
}

func TestSessionByeRequiresEstablished(t *testing.T) {
	s := &Session{fsm: newSessionFSM(SessionInitial)}

	err := s.Bye(context.Background())
	assert.ErrorIs(t, err, ErrSessionNotEstablished)
}

func TestSessionByeOnEstablishedSendsBye(t *testing.T) {
	byeSeen := false
	dua := testDialogUA(t, func(req *sip.Request) *sip.Response {
		if req.Method == sip.BYE {
			byeSeen = true
		}
		return sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	})

	inviter := NewInviter(dua)
	s, err := inviter.Invite(context.Background(), sip.Uri{Host: "bob.example.com"}, testSDH(t))
	require.NoError(t, err)
	require.Equal(t, SessionEstablished, s.State())

	err = s.Bye(context.Background())
	require.NoError(t, err)
	assert.True(t, byeSeen)
	assert.Equal(t, SessionTerminated, s.State())
}

func testInviteRequest(contact sip.ContactHeader) *sip.Request {
	req := sip.NewRequest(sip.INVITE, sip.Uri{User: "bob", Host: "bob.example.com"})
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "alice.example.com",
		Port:            5060,
		Params:          sip.NewParams(),
	})
	fromParams := sip.NewParams()
	fromParams.Set("tag", sip.GenerateTagN(16))
	req.AppendHeader(&sip.FromHeader{
		DisplayName: "Alice",
		Address:     sip.Uri{User: "alice", Host: "alice.example.com"},
		Params:      fromParams,
	})
	req.AppendHeader(&sip.ToHeader{
		DisplayName: "Bob",
		Address:     sip.Uri{User: "bob", Host: "bob.example.com"},
		Params:      sip.NewParams(),
	})
	callid := sip.CallIDHeader("test-" + sip.GenerateTagN(16))
	req.AppendHeader(&callid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	req.AppendHeader(&contact)
	req.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	req.SetBody([]byte(testLocalSDP))
	return req
}

func testDialogServer(t testing.TB) *sipstack.DialogServer {
	client := testClient(t, func(req *sip.Request) *sip.Response {
		return sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	})
	return sipstack.NewDialogServerCache(client, sip.ContactHeader{
		Address: sip.Uri{User: "uas", Host: "uas.example.com", Port: 5060},
	})
}

func TestInvitationAcceptRespondsWithOffer(t *testing.T) {
	registry := testDialogServer(t)

	callerContact := sip.ContactHeader{Address: sip.Uri{User: "alice", Host: "alice.example.com"}}
	req := testInviteRequest(callerContact)
	tx := siptest.NewServerTxRecorder(req)

	dss, err := registry.ReadInvite(req, tx)
	require.NoError(t, err)

	inv, statusCode, err := NewInvitation(dss, registry)
	require.NoError(t, err)
	require.Zero(t, statusCode)
	require.NotNil(t, inv)

	sdh := testSDH(t)
	err = inv.Accept(context.Background(), sdh)
	require.NoError(t, err)
	assert.Equal(t, SessionEstablished, inv.Session().State())
	assert.True(t, sdh.HasDescription())

	resps := tx.Result()
	require.NotEmpty(t, resps)
	last := resps[len(resps)-1]
	assert.Equal(t, sip.StatusOK, last.StatusCode)
}

func TestInvitationRejectTerminatesSession(t *testing.T) {
	registry := testDialogServer(t)

	callerContact := sip.ContactHeader{Address: sip.Uri{User: "alice", Host: "alice.example.com"}}
	req := testInviteRequest(callerContact)
	tx := siptest.NewServerTxRecorder(req)

	dss, err := registry.ReadInvite(req, tx)
	require.NoError(t, err)

	inv, statusCode, err := NewInvitation(dss, registry)
	require.NoError(t, err)
	require.Zero(t, statusCode)

	err = inv.Reject(context.Background(), sip.StatusBusyHere, "Busy Here")
	require.NoError(t, err)
	assert.Equal(t, SessionTerminated, inv.Session().State())
}

func TestNewInvitationMissingReplacesTargetReturns481(t *testing.T) {
	registry := testDialogServer(t)

	callerContact := sip.ContactHeader{Address: sip.Uri{User: "alice", Host: "alice.example.com"}}
	req := testInviteRequest(callerContact)
	req.AppendHeader(sip.NewHeader("Replaces", `no-such-call-id;to-tag=t;from-tag=f`))
	tx := siptest.NewServerTxRecorder(req)

	dss, err := registry.ReadInvite(req, tx)
	require.NoError(t, err)

	inv, statusCode, err := NewInvitation(dss, registry)
	require.Error(t, err)
	assert.Equal(t, sip.StatusCallTransactionDoesNotExists, statusCode)
	assert.Nil(t, inv)
}
