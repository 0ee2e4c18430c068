package sip

import (
	"fmt"
	"strings"
)

// ReplacesInfo is the parsed form of an RFC 3891 Replaces header: a target
// dialog identified by Call-ID plus the two tags, from the perspective of
// the UAS that originally assigned them.
type ReplacesInfo struct {
	CallID  string
	ToTag   string
	FromTag string
	EarlyOnly bool
}

// ParseReplaces parses a Replaces header value ("call-id;to-tag=x;from-tag=y
// [;early-only]"). early-only, if present, restricts the match to a dialog
// still in the early state.
func ParseReplaces(v string) (ReplacesInfo, error) {
	var info ReplacesInfo

	sepIdx := strings.IndexByte(v, ';')
	if sepIdx < 0 {
		return info, fmt.Errorf("sip: Replaces header missing tag params")
	}
	info.CallID = strings.TrimSpace(v[:sepIdx])
	if info.CallID == "" {
		return info, fmt.Errorf("sip: Replaces header missing call-id")
	}

	params := NewParams()
	if _, err := UnmarshalHeaderParams(v[sepIdx+1:], ';', 0, &params); err != nil {
		return info, fmt.Errorf("sip: Replaces header params: %w", err)
	}

	toTag, ok := params.Get("to-tag")
	if !ok || toTag == "" {
		return info, fmt.Errorf("sip: Replaces header missing to-tag")
	}
	fromTag, ok := params.Get("from-tag")
	if !ok || fromTag == "" {
		return info, fmt.Errorf("sip: Replaces header missing from-tag")
	}

	info.ToTag = toTag
	info.FromTag = fromTag
	info.EarlyOnly = params.Has("early-only")
	return info, nil
}

// DialogID returns the dialog ID this Replaces header targets, in the same
// (To, From) tag order UASReadRequestDialogID uses to store a UAS's dialog.
func (r ReplacesInfo) DialogID() string {
	return MakeDialogID(r.CallID, r.ToTag, r.FromTag)
}
