package digestauth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validChallenge = `Digest realm="sip.example.com", nonce="abc123", qop="auth", algorithm=MD5`

func TestAuthenticatorRespondSuccess(t *testing.T) {
	a := New(Credentials{Username: "alice", Password: "secret"})

	header, err := a.Respond("REGISTER", "sip:sip.example.com", validChallenge, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, header)
}

func TestAuthenticatorNonceCountChangesWithinSameChallenge(t *testing.T) {
	a := New(Credentials{Username: "alice", Password: "secret"})

	first, err := a.Respond("REGISTER", "sip:sip.example.com", validChallenge, nil)
	require.NoError(t, err)
	second, err := a.Respond("REGISTER", "sip:sip.example.com", validChallenge, nil)
	require.NoError(t, err)

	// nc increments on every Respond against the same realm+nonce, so the
	// two headers must differ even though every other input is identical.
	assert.NotEqual(t, first, second)
}

func TestAuthenticatorNonceCountResetsOnNewNonce(t *testing.T) {
	a := New(Credentials{Username: "alice", Password: "secret"})

	_, err := a.Respond("REGISTER", "sip:sip.example.com", validChallenge, nil)
	require.NoError(t, err)
	require.Equal(t, uint32(1), a.nonceCount)

	other := `Digest realm="sip.example.com", nonce="differentnonce", qop="auth", algorithm=MD5`
	_, err = a.Respond("REGISTER", "sip:sip.example.com", other, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), a.nonceCount)
}

func TestAuthenticatorRejectsNonMD5Algorithm(t *testing.T) {
	a := New(Credentials{Username: "alice", Password: "secret"})

	chal := `Digest realm="sip.example.com", nonce="abc123", algorithm=SHA-256`
	_, err := a.Respond("REGISTER", "sip:sip.example.com", chal, nil)
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestAuthenticatorRejectsIncompleteChallenge(t *testing.T) {
	a := New(Credentials{Username: "alice", Password: "secret"})

	chal := `Digest realm="sip.example.com"`
	_, err := a.Respond("REGISTER", "sip:sip.example.com", chal, nil)
	assert.ErrorIs(t, err, ErrChallengeIncomplete)
}

func TestAuthenticatorRejectsUnusableQOP(t *testing.T) {
	a := New(Credentials{Username: "alice", Password: "secret"})

	chal := `Digest realm="sip.example.com", nonce="abc123", qop="custom"`
	_, err := a.Respond("REGISTER", "sip:sip.example.com", chal, nil)
	assert.ErrorIs(t, err, ErrNoQOP)
}

func TestSelectQOPPrefersAuthOverAuthInt(t *testing.T) {
	qop, err := selectQOP([]string{"auth-int", "auth"})
	require.NoError(t, err)
	assert.Equal(t, "auth", qop)
}

func TestSelectQOPFallsBackToAuthInt(t *testing.T) {
	qop, err := selectQOP([]string{"auth-int"})
	require.NoError(t, err)
	assert.Equal(t, "auth-int", qop)
}

func TestSelectQOPNoneUsable(t *testing.T) {
	_, err := selectQOP([]string{"custom"})
	assert.ErrorIs(t, err, ErrNoQOP)
}

func TestSelectQOPEmptyIsLegacyMode(t *testing.T) {
	qop, err := selectQOP(nil)
	require.NoError(t, err)
	assert.Equal(t, "", qop)
}

func TestSplitQOP(t *testing.T) {
	assert.Equal(t, []string{"auth", "auth-int"}, splitQOP("auth, auth-int"))
	assert.Nil(t, splitQOP(""))
}
