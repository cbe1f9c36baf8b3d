package protocol

import (
	"fmt"
	"unicode/utf8"
)

// MaxDeviceNameLength is the longest device name accepted, in runes.
const MaxDeviceNameLength = 50

// ValidationError reports a structurally invalid message.
type ValidationError struct {
	Type   MessageType
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s %s", e.Type, e.Field, e.Reason)
}

// Validate checks the structural invariants of msg: invite IDs present and
// long enough, required fields non-empty.
func Validate(msg Message) error {
	t := msg.Type()
	if carriesInviteID(t) && len(InviteIDOf(msg)) < MinInviteIDSize {
		return &ValidationError{Type: t, Field: "inviteId", Reason: fmt.Sprintf("must be at least %d bytes", MinInviteIDSize)}
	}

	switch m := msg.(type) {
	case Invite:
		if len(m.ProjectInviteID) == 0 {
			return &ValidationError{Type: t, Field: "projectInviteId", Reason: "is required"}
		}
		if m.ProjectName == "" {
			return &ValidationError{Type: t, Field: "projectName", Reason: "is required"}
		}
		if m.InvitorName == "" {
			return &ValidationError{Type: t, Field: "invitorName", Reason: "is required"}
		}
	case InviteResponse:
		switch m.Decision {
		case DecisionUnspecified, DecisionReject, DecisionAccept, DecisionAlready:
		default:
			return &ValidationError{Type: t, Field: "decision", Reason: fmt.Sprintf("has unknown value %d", int32(m.Decision))}
		}
	case ProjectJoinDetails:
		if len(m.ProjectKey) == 0 {
			return &ValidationError{Type: t, Field: "projectKey", Reason: "is required"}
		}
		if len(m.EncryptionKeys.Auth) == 0 {
			return &ValidationError{Type: t, Field: "encryptionKeys.auth", Reason: "is required"}
		}
	case DeviceInfo:
		if m.Name == "" {
			return &ValidationError{Type: t, Field: "name", Reason: "is required"}
		}
		if utf8.RuneCountInString(m.Name) > MaxDeviceNameLength {
			return &ValidationError{Type: t, Field: "name", Reason: fmt.Sprintf("is longer than %d characters", MaxDeviceNameLength)}
		}
	}
	return nil
}

func carriesInviteID(t MessageType) bool {
	return t != MsgDeviceInfo
}
