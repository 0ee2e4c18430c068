package sip

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

const (
	RFC3261BranchMagicCookie = "z9hG4bK"
)

var (
	SIPDebug  bool
	siptracer SIPTracer
)

type SIPTracer interface {
	SIPTraceRead(transport string, laddr string, raddr string, sipmsg []byte)
	SIPTraceWrite(transport string, laddr string, raddr string, sipmsg []byte)
}

func SIPDebugTracer(t SIPTracer) {
	siptracer = t
}

func logSIPRead(transport string, laddr string, raddr string, sipmsg []byte) {
	if siptracer != nil {
		siptracer.SIPTraceRead(transport, laddr, raddr, sipmsg)
		return
	}

	if DefaultLogger().Enabled(context.Background(), slog.LevelDebug) {
		DefaultLogger().Debug(fmt.Sprintf("%s read from %s <- %s:\n%s", transport, laddr, raddr, sipmsg))
	}
}

func logSIPWrite(transport string, laddr string, raddr string, sipmsg []byte) {
	if siptracer != nil {
		siptracer.SIPTraceWrite(transport, laddr, raddr, sipmsg)
		return
	}
	if DefaultLogger().Enabled(context.Background(), slog.LevelDebug) {
		DefaultLogger().Debug(fmt.Sprintf("%s write to %s -> %s:\n%s", transport, laddr, raddr, sipmsg))
	}
}

// GenerateBranch returns random unique branch ID.
func GenerateBranch() string {
	return GenerateBranchN(16)
}

// GenerateBranchN returns random unique branch ID in format MagicCookie.<n chars>
func GenerateBranchN(n int) string {
	sb := &strings.Builder{}
	generateBranchStringWrite(sb, n)
	return sb.String()
}

func generateBranchStringWrite(sb *strings.Builder, n int) {
	sb.Grow(len(RFC3261BranchMagicCookie) + n + 1)
	sb.WriteString(RFC3261BranchMagicCookie)
	sb.WriteString(".")
	RandStringBytesMask(sb, n)
}

func GenerateTagN(n int) string {
	sb := &strings.Builder{}
	RandStringBytesMask(sb, n)
	return sb.String()
}

// MakeDialogIDFromResponse creates a dialog ID from a response, using the
// response's own To/From tags in (To, From) order.
// Returns an error if Call-ID, or either tag, is missing.
func MakeDialogIDFromResponse(msg *Response) (string, error) {
	return MakeDialogIDFromMessage(msg)
}

// UASReadRequestDialogID creates a dialog ID for a request as seen by the
// UAS (the request recipient), using (To, From) order. A UAS must call this
// after it has assigned its own To-tag, so the same ID can later be derived
// from the matching response via MakeDialogIDFromResponse.
func UASReadRequestDialogID(msg *Request) (string, error) {
	return MakeDialogIDFromMessage(msg)
}

// MakeDialogIDFromMessage builds a dialog ID from any message carrying
// Call-ID, To and From headers with tags, in (To, From) order.
func MakeDialogIDFromMessage(msg Message) (string, error) {
	callID := msg.CallID()
	if callID == nil {
		return "", fmt.Errorf("missing Call-ID header")
	}

	to := msg.To()
	if to == nil {
		return "", fmt.Errorf("missing To header")
	}

	toTag, ok := to.Params.Get("tag")
	if !ok {
		return "", fmt.Errorf("missing tag param in To header")
	}

	from := msg.From()
	if from == nil {
		return "", fmt.Errorf("missing From header")
	}

	fromTag, ok := from.Params.Get("tag")
	if !ok {
		return "", fmt.Errorf("missing tag param in From header")
	}

	return MakeDialogID(string(*callID), toTag, fromTag), nil
}

// MakeDialogID joins a Call-ID with two tags into a dialog ID. Callers
// decide the tag order; it must stay consistent between where an ID is
// stored and where it is later recomputed for matching.
func MakeDialogID(callID, tagA, tagB string) string {
	return strings.Join([]string{callID, tagA, tagB}, TxSeperator)
}
