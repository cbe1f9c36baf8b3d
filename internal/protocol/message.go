// Package protocol defines the mapeo/rpc control messages exchanged between
// devices, their wire ordinals, encoding and structural validation.
package protocol

import "fmt"

// ProtocolName is the channel name negotiated on the multiplexed stream.
const ProtocolName = "mapeo/rpc"

// MinInviteIDSize is the minimum length of an invite ID in bytes.
const MinInviteIDSize = 32

// MessageType is the wire ordinal of a message.
//
// The ordinals are the compatibility contract with other devices: values
// must never be reordered or reused, new types are only ever appended.
type MessageType uint8

const (
	MsgInvite MessageType = iota
	MsgInviteCancel
	MsgInviteResponse
	MsgProjectJoinDetails
	MsgDeviceInfo
	MsgInviteAck
	MsgInviteCancelAck
	MsgInviteResponseAck
	MsgProjectJoinDetailsAck
)

var messageTypeNames = [...]string{
	MsgInvite:                "Invite",
	MsgInviteCancel:          "InviteCancel",
	MsgInviteResponse:        "InviteResponse",
	MsgProjectJoinDetails:    "ProjectJoinDetails",
	MsgDeviceInfo:            "DeviceInfo",
	MsgInviteAck:             "InviteAck",
	MsgInviteCancelAck:       "InviteCancelAck",
	MsgInviteResponseAck:     "InviteResponseAck",
	MsgProjectJoinDetailsAck: "ProjectJoinDetailsAck",
}

func (t MessageType) String() string {
	if int(t) < len(messageTypeNames) {
		return messageTypeNames[t]
	}
	return fmt.Sprintf("MessageType(%d)", uint8(t))
}

// Known reports whether t is a message type this version understands.
func (t MessageType) Known() bool {
	return int(t) < len(messageTypeNames)
}

// AckType returns the acknowledgement type for t.
// ok is false for types that are never acknowledged.
func (t MessageType) AckType() (ack MessageType, ok bool) {
	switch t {
	case MsgInvite:
		return MsgInviteAck, true
	case MsgInviteCancel:
		return MsgInviteCancelAck, true
	case MsgInviteResponse:
		return MsgInviteResponseAck, true
	case MsgProjectJoinDetails:
		return MsgProjectJoinDetailsAck, true
	}
	return 0, false
}

// AckedType is the inverse of AckType: for an acknowledgement type it
// returns the type being acknowledged.
func (t MessageType) AckedType() (MessageType, bool) {
	switch t {
	case MsgInviteAck:
		return MsgInvite, true
	case MsgInviteCancelAck:
		return MsgInviteCancel, true
	case MsgInviteResponseAck:
		return MsgInviteResponse, true
	case MsgProjectJoinDetailsAck:
		return MsgProjectJoinDetails, true
	}
	return 0, false
}

// Message is implemented by every mapeo/rpc payload.
type Message interface {
	Type() MessageType
}

// Decision is the invitee's answer to an invite.
type Decision int32

const (
	DecisionUnspecified Decision = 0
	DecisionReject      Decision = 1
	DecisionAccept      Decision = 2
	DecisionAlready     Decision = 3
)

func (d Decision) String() string {
	switch d {
	case DecisionUnspecified:
		return "DECISION_UNSPECIFIED"
	case DecisionReject:
		return "REJECT"
	case DecisionAccept:
		return "ACCEPT"
	case DecisionAlready:
		return "ALREADY"
	default:
		return fmt.Sprintf("Decision(%d)", int32(d))
	}
}

// ParseDecision is the inverse of Decision.String.
func ParseDecision(s string) (Decision, error) {
	for _, d := range []Decision{DecisionUnspecified, DecisionReject, DecisionAccept, DecisionAlready} {
		if d.String() == s {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown decision %q", s)
}

// DeviceType describes the kind of device on the other end.
type DeviceType int32

const (
	DeviceTypeUnspecified DeviceType = iota
	DeviceTypeMobile
	DeviceTypeTablet
	DeviceTypeDesktop
	DeviceTypeSelfHostedServer
)

var deviceTypeNames = map[DeviceType]string{
	DeviceTypeUnspecified:      "device_type_unspecified",
	DeviceTypeMobile:           "mobile",
	DeviceTypeTablet:           "tablet",
	DeviceTypeDesktop:          "desktop",
	DeviceTypeSelfHostedServer: "selfHostedServer",
}

func (d DeviceType) String() string {
	if s, ok := deviceTypeNames[d]; ok {
		return s
	}
	return fmt.Sprintf("DeviceType(%d)", int32(d))
}

// ParseDeviceType maps a configuration string to a DeviceType.
func ParseDeviceType(s string) (DeviceType, error) {
	if s == "" {
		return DeviceTypeUnspecified, nil
	}
	for t, name := range deviceTypeNames {
		if name == s {
			return t, nil
		}
	}
	return DeviceTypeUnspecified, fmt.Errorf("unknown device type %q", s)
}

// FeatureAck is the capability tag announcing that a device sends and
// expects application-level acknowledgements.
const FeatureAck = "ack"

// Invite asks the receiving device to join a project.
type Invite struct {
	InviteID        []byte
	ProjectInviteID []byte
	ProjectName     string
	InvitorName     string
	RoleName        string
	RoleDescription string
}

// InviteCancel withdraws a previously sent invite.
type InviteCancel struct {
	InviteID []byte
}

// InviteResponse carries the invitee's decision.
type InviteResponse struct {
	InviteID []byte
	Decision Decision
}

// EncryptionKeys are the per-namespace keys of a project.
type EncryptionKeys struct {
	Auth      []byte
	Config    []byte
	Data      []byte
	BlobIndex []byte
	Blob      []byte
}

// ProjectJoinDetails hands over what the invitee needs to join the project.
type ProjectJoinDetails struct {
	InviteID       []byte
	ProjectKey     []byte
	EncryptionKeys EncryptionKeys
}

// DeviceInfo announces a device's name, type and capabilities.
type DeviceInfo struct {
	Name       string
	DeviceType DeviceType
	Features   []string
}

// HasFeature reports whether the device advertised the given feature tag.
func (d DeviceInfo) HasFeature(feature string) bool {
	for _, f := range d.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// Ack acknowledges receipt of an acknowledgeable message.
// AckType is one of the *Ack message types.
type Ack struct {
	AckType  MessageType
	InviteID []byte
}

func (Invite) Type() MessageType             { return MsgInvite }
func (InviteCancel) Type() MessageType       { return MsgInviteCancel }
func (InviteResponse) Type() MessageType     { return MsgInviteResponse }
func (ProjectJoinDetails) Type() MessageType { return MsgProjectJoinDetails }
func (DeviceInfo) Type() MessageType         { return MsgDeviceInfo }
func (a Ack) Type() MessageType              { return a.AckType }

// InviteIDOf returns the invite ID carried by msg, or nil if it carries none.
func InviteIDOf(msg Message) []byte {
	switch m := msg.(type) {
	case Invite:
		return m.InviteID
	case InviteCancel:
		return m.InviteID
	case InviteResponse:
		return m.InviteID
	case ProjectJoinDetails:
		return m.InviteID
	case Ack:
		return m.InviteID
	}
	return nil
}
