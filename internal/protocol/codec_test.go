package protocol

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func testInviteID(b byte) []byte {
	return bytes.Repeat([]byte{b}, MinInviteIDSize)
}

func TestEncodeDecode(t *testing.T) {
	testCases := []struct {
		name string
		msg  Message
	}{
		{
			name: "invite",
			msg: Invite{
				InviteID:        testInviteID(1),
				ProjectInviteID: []byte("project-invite-id"),
				ProjectName:     "Mapping the river",
				InvitorName:     "alice's phone",
				RoleName:        "Participant",
				RoleDescription: "Can collect data",
			},
		},
		{
			name: "invite cancel",
			msg:  InviteCancel{InviteID: testInviteID(2)},
		},
		{
			name: "invite response",
			msg:  InviteResponse{InviteID: testInviteID(3), Decision: DecisionAlready},
		},
		{
			name: "project join details",
			msg: ProjectJoinDetails{
				InviteID:   testInviteID(4),
				ProjectKey: []byte("project-key"),
				EncryptionKeys: EncryptionKeys{
					Auth:   []byte("auth"),
					Config: []byte("config"),
					Data:   []byte("data"),
				},
			},
		},
		{
			name: "device info",
			msg: DeviceInfo{
				Name:       "field laptop",
				DeviceType: DeviceTypeDesktop,
				Features:   []string{FeatureAck, "future-feature"},
			},
		},
		{
			name: "ack",
			msg:  Ack{AckType: MsgProjectJoinDetailsAck, InviteID: testInviteID(5)},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			payload, err := Encode(tc.msg)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}

			got, err := Decode(tc.msg.Type(), payload)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}

			if !reflect.DeepEqual(got, tc.msg) {
				t.Errorf("decoded message mismatch:\n got  %#v\n want %#v", got, tc.msg)
			}
		})
	}
}

func TestWireOrdinals(t *testing.T) {
	// Changing any of these breaks compatibility with deployed devices.
	want := map[MessageType]uint8{
		MsgInvite:                0,
		MsgInviteCancel:          1,
		MsgInviteResponse:        2,
		MsgProjectJoinDetails:    3,
		MsgDeviceInfo:            4,
		MsgInviteAck:             5,
		MsgInviteCancelAck:       6,
		MsgInviteResponseAck:     7,
		MsgProjectJoinDetailsAck: 8,
	}
	for typ, ordinal := range want {
		if uint8(typ) != ordinal {
			t.Errorf("%s has ordinal %d, want %d", typ, uint8(typ), ordinal)
		}
	}
	if MessageType(9).Known() {
		t.Error("ordinal 9 should not be known")
	}
}

func TestAckTypes(t *testing.T) {
	for _, typ := range []MessageType{MsgInvite, MsgInviteCancel, MsgInviteResponse, MsgProjectJoinDetails} {
		ack, ok := typ.AckType()
		if !ok {
			t.Fatalf("%s should be acknowledgeable", typ)
		}
		back, ok := ack.AckedType()
		if !ok || back != typ {
			t.Errorf("%s acked type = %s, want %s", ack, back, typ)
		}
	}

	if _, ok := MsgDeviceInfo.AckType(); ok {
		t.Error("DeviceInfo must not be acknowledged")
	}
}

func TestParseDecision(t *testing.T) {
	for _, d := range []Decision{DecisionUnspecified, DecisionReject, DecisionAccept, DecisionAlready} {
		got, err := ParseDecision(d.String())
		if err != nil || got != d {
			t.Errorf("ParseDecision(%q) = %v, %v", d.String(), got, err)
		}
	}
	if _, err := ParseDecision("MAYBE"); err == nil {
		t.Error("expected error for unknown decision")
	}
}

func TestDecodeRejectsShortInviteID(t *testing.T) {
	payload, err := Encode(InviteCancel{InviteID: []byte("too-short")})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	_, err = Decode(MsgInviteCancel, payload)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if verr.Field != "inviteId" {
		t.Errorf("field = %q, want inviteId", verr.Field)
	}
}

func TestDecodeRejectsMissingInviteID(t *testing.T) {
	_, err := Decode(MsgInviteResponseAck, nil)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestDecodeErrors(t *testing.T) {
	testCases := []struct {
		name    string
		typ     MessageType
		payload []byte
	}{
		{"truncated tag", MsgInvite, []byte{0x0a}},
		{"truncated length", MsgInvite, []byte{0x0a, 0x20, 0x01}},
		{"wrong wire type", MsgInviteResponse, []byte{0x08, 0x01}},
		{"unknown type", MessageType(42), nil},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(tc.typ, tc.payload); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := Decode(MessageType(42), nil); !errors.Is(err, ErrUnknownMessageType) {
		t.Errorf("expected ErrUnknownMessageType, got %v", err)
	}
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	payload, err := Encode(InviteCancel{InviteID: testInviteID(7)})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// Field 15, varint 1.
	payload = append(payload, 0x78, 0x01)

	msg, err := Decode(MsgInviteCancel, payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(msg.(InviteCancel).InviteID, testInviteID(7)) {
		t.Error("invite ID not preserved")
	}
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name    string
		msg     Message
		field   string
		wantErr bool
	}{
		{
			name:    "invite without project name",
			msg:     Invite{InviteID: testInviteID(1), ProjectInviteID: []byte{1}, InvitorName: "bob"},
			field:   "projectName",
			wantErr: true,
		},
		{
			name:    "invite without invitor",
			msg:     Invite{InviteID: testInviteID(1), ProjectInviteID: []byte{1}, ProjectName: "p"},
			field:   "invitorName",
			wantErr: true,
		},
		{
			name:    "details without auth key",
			msg:     ProjectJoinDetails{InviteID: testInviteID(1), ProjectKey: []byte{1}},
			field:   "encryptionKeys.auth",
			wantErr: true,
		},
		{
			name:    "unknown decision",
			msg:     InviteResponse{InviteID: testInviteID(1), Decision: Decision(9)},
			field:   "decision",
			wantErr: true,
		},
		{
			name:    "device name too long",
			msg:     DeviceInfo{Name: strings.Repeat("x", MaxDeviceNameLength+1)},
			field:   "name",
			wantErr: true,
		},
		{
			name: "device info without invite ID",
			msg:  DeviceInfo{Name: "ok"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.msg)
			if !tc.wantErr {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if verr.Field != tc.field {
				t.Errorf("field = %q, want %q", verr.Field, tc.field)
			}
		})
	}
}
