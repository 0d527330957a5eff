package relay

import (
	"encoding/json"

	"github.com/chromedp/cdproto/target"
)

// Phase is the attach lifecycle position.
type Phase int

const (
	Disconnected Phase = iota
	Attaching
	Attached
	Detached
)

var phaseNames = []string{"disconnected", "attaching", "attached", "detached"}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}

// AttachState is the relay's view of the extension's debugger attachment.
// Target is set only in the Attached phase.
type AttachState struct {
	Phase  Phase
	Target *AttachedTarget
}

// AttachedTarget caches the extension's answer to attachToTab.
type AttachedTarget struct {
	// Raw is the attach response payload, kept verbatim.
	Raw json.RawMessage

	// Info and SessionID are decoded from Raw when it has the usual
	// {targetInfo, sessionId} shape; either may be empty.
	Info      *target.Info
	SessionID target.SessionID
}

type attachPayload struct {
	TargetInfo *target.Info     `json:"targetInfo"`
	SessionID  target.SessionID `json:"sessionId"`
}

func newAttachedTarget(raw json.RawMessage) *AttachedTarget {
	t := &AttachedTarget{Raw: raw}
	var p attachPayload
	if err := json.Unmarshal(raw, &p); err == nil {
		t.Info = p.TargetInfo
		t.SessionID = p.SessionID
	}
	return t
}
