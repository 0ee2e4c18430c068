// Package digestauth implements RFC 3261 §22 / RFC 2617 digest
// authentication for outbound requests challenged by a 401 or 407.
//
// The RFC 2617 mechanics (HA1/HA2, response computation, header rendering)
// are delegated to github.com/icholy/digest — the same library the
// reference stack's Client uses at its UAC call sites — rather than
// hand-rolled MD5. What this package owns is the surrounding policy:
// algorithm rejection, qop preference, and a nonce-count that survives
// across challenges for one credential.
package digestauth

import (
	"errors"
	"fmt"
	"sync"

	"github.com/icholy/digest"
)

var (
	// ErrUnsupportedAlgorithm is returned for any challenge algorithm other
	// than MD5 (or an algorithm param omitted, which defaults to MD5).
	ErrUnsupportedAlgorithm = errors.New("digestauth: only MD5 is supported")
	// ErrChallengeIncomplete is returned when the challenge is missing a
	// realm or nonce, both mandatory per RFC 2617.
	ErrChallengeIncomplete = errors.New("digestauth: challenge missing realm or nonce")
	// ErrNoQOP is returned when the challenge advertises a qop list that
	// contains neither "auth" nor "auth-int".
	ErrNoQOP = errors.New("digestauth: challenge qop list has no usable option")
)

// Credentials identifies the principal to authenticate as.
type Credentials struct {
	Username string
	Password string
}

// Authenticator computes Authorization/Proxy-Authorization header values
// for a single credential, keeping a monotonic nonce-count across refreshes
// against the same realm+nonce the way a long-lived registration does.
// Not safe for concurrent Respond calls against the *same* nonce; a
// UserAgent normally owns one Authenticator per outbound request chain.
type Authenticator struct {
	creds Credentials

	mu        sync.Mutex
	nonceKey  string // realm + "\x00" + nonce, reset when the server issues a new nonce
	nonceCount uint32
}

func New(creds Credentials) *Authenticator {
	return &Authenticator{creds: creds}
}

// selectQOP prefers "auth" over "auth-int". Returns "" if
// the challenge carried no qop directive at all (legacy RFC 2069 mode,
// still valid), or ErrNoQOP if qop was present but neither option usable.
func selectQOP(qop []string) (string, error) {
	if len(qop) == 0 {
		return "", nil
	}
	hasAuth, hasAuthInt := false, false
	for _, q := range qop {
		switch q {
		case "auth":
			hasAuth = true
		case "auth-int":
			hasAuthInt = true
		}
	}
	switch {
	case hasAuth:
		return "auth", nil
	case hasAuthInt:
		return "auth-int", nil
	default:
		return "", ErrNoQOP
	}
}

// Respond builds the header value (without the "Authorization: " prefix)
// for a request with the given method and request-URI, challenged by the
// given raw header value (the WWW-Authenticate/Proxy-Authenticate field
// body, unparsed). body is only consulted for qop=auth-int.
func (a *Authenticator) Respond(method, uri, rawChallenge string, body []byte) (string, error) {
	chal, err := digest.ParseChallenge(rawChallenge)
	if err != nil {
		return "", fmt.Errorf("digestauth: parse challenge: %w", err)
	}

	alg := chal.Algorithm
	if alg == "" {
		alg = "MD5"
	}
	if !equalFoldASCII(alg, "MD5") {
		return "", ErrUnsupportedAlgorithm
	}
	if chal.Realm == "" || chal.Nonce == "" {
		return "", ErrChallengeIncomplete
	}

	qop, err := selectQOP(splitQOP(chal.QOP))
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	key := chal.Realm + "\x00" + chal.Nonce
	if key != a.nonceKey {
		a.nonceKey = key
		a.nonceCount = 0
	}
	a.nonceCount++
	if a.nonceCount == 0 {
		// wrapped past 2^32-1; restart at 1
		a.nonceCount = 1
	}
	count := a.nonceCount
	a.mu.Unlock()

	opts := digest.Options{
		Method:   method,
		URI:      uri,
		Username: a.creds.Username,
		Password: a.creds.Password,
		Count:    int(count),
	}
	if qop == "auth-int" {
		opts.Body = body
	}

	cred, err := digest.Digest(chal, opts)
	if err != nil {
		return "", fmt.Errorf("digestauth: compute response: %w", err)
	}
	return cred.String(), nil
}

func splitQOP(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			tok := trimSpace(raw[start:i])
			if tok != "" {
				out = append(out, tok)
			}
			start = i + 1
		}
	}
	return out
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t') {
		end--
	}
	return s[start:end]
}

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'a' <= ca && ca <= 'z' {
			ca -= 'a' - 'A'
		}
		if 'a' <= cb && cb <= 'z' {
			cb -= 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
