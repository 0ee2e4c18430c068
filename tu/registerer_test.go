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

func testClient(t testing.TB, f func(req *sip.Request) *sip.Response) *sipstack.Client {
	uaInst, err := sipstack.NewUA()
	require.NoError(t, err)
	client, err := sipstack.NewClient(uaInst)
	require.NoError(t, err)
	client.TxRequester = &siptest.ClientTxRequester{OnRequest: f}
	return client
}

func testContact() sip.ContactHeader {
	return sip.ContactHeader{
		Address: sip.Uri{User: "alice", Host: "ua.example.com", Port: 5060},
		Params:  sip.NewParams(),
	}
}

func TestRegistererRegisterSuccess(t *testing.T) {
	client := testClient(t, func(req *sip.Request) *sip.Response {
		assert.Equal(t, sip.REGISTER, req.Method)
		return sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	})

	recipient := sip.Uri{Host: "registrar.example.com"}
	r := NewRegisterer(client, recipient, testContact(), RegistererOptions{})

	err := r.Register(context.Background())
	require.NoError(t, err)
}

func TestRegistererRecoversFromIntervalTooBrief(t *testing.T) {
	attempt := 0
	client := testClient(t, func(req *sip.Request) *sip.Response {
		attempt++
		if attempt == 1 {
			res := sip.NewResponseFromRequest(req, sip.StatusIntervalTooBrief, "Interval Too Brief", nil)
			res.AppendHeader(sip.NewHeader("Min-Expires", "1800"))
			return res
		}
		assert.Equal(t, "1800", req.GetHeader("Expires").Value())
		return sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	})

	recipient := sip.Uri{Host: "registrar.example.com"}
	r := NewRegisterer(client, recipient, testContact(), RegistererOptions{Expires: 60})

	err := r.Register(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, attempt)
}

func TestRegistererDigestChallengeRetries(t *testing.T) {
	attempt := 0
	client := testClient(t, func(req *sip.Request) *sip.Response {
		attempt++
		if attempt == 1 {
			res := sip.NewResponseFromRequest(req, sip.StatusUnauthorized, "Unauthorized", nil)
			res.AppendHeader(sip.NewHeader("WWW-Authenticate", `Digest realm="example.com", nonce="n1", qop="auth", algorithm=MD5`))
			return res
		}
		assert.NotNil(t, req.GetHeader("Authorization"))
		return sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	})

	recipient := sip.Uri{Host: "registrar.example.com"}
	r := NewRegisterer(client, recipient, testContact(), RegistererOptions{
		Username: "alice",
		Password: "secret",
	})

	err := r.Register(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, attempt)
}

func TestRegistererCloseDeregisters(t *testing.T) {
	client := testClient(t, func(req *sip.Request) *sip.Response {
		assert.Equal(t, "0", req.GetHeader("Expires").Value())
		return sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	})

	recipient := sip.Uri{Host: "registrar.example.com"}
	r := NewRegisterer(client, recipient, testContact(), RegistererOptions{})

	err := r.Close(context.Background())
	require.NoError(t, err)
}
