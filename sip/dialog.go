package sip

// DialogState describes where a dialog is in its 200/ACK/BYE lifecycle.
type DialogState int32

const (
	// Dialog received 200 response
	DialogStateEstablished DialogState = iota
	// Dialog received ACK
	DialogStateConfirmed
	// Dialog received BYE
	DialogStateEnded
)

func (s DialogState) String() string {
	switch s {
	case DialogStateEstablished:
		return "Established"
	case DialogStateConfirmed:
		return "Confirmed"
	case DialogStateEnded:
		return "Ended"
	default:
		return "Unknown"
	}
}

// Dialog is a lightweight, read-only snapshot published to dialog observers
// registered via ServerDialog.OnDialog.
type Dialog struct {
	ID    string
	State DialogState
}

func (d Dialog) StateString() string {
	return d.State.String()
}
