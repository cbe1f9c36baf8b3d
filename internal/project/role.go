package project

import "fmt"

// Role is a device's role in a project.
type Role string

const (
	RoleCreator     Role = "creator"     // Created the project
	RoleCoordinator Role = "coordinator" // Can invite devices and manage the project
	RoleParticipant Role = "participant" // Collects and edits observations
)

// ParseRole parses a string into a Role. Names are case sensitive.
func ParseRole(s string) (Role, error) {
	switch s {
	case "creator":
		return RoleCreator, nil
	case "coordinator":
		return RoleCoordinator, nil
	case "participant", "member":
		return RoleParticipant, nil
	default:
		return "", fmt.Errorf("invalid role: %s (must be coordinator or participant)", s)
	}
}

// RoleFromInvite maps the role name carried by an invite. Unknown names
// become participant.
func RoleFromInvite(name string) Role {
	switch name {
	case "Coordinator", "coordinator":
		return RoleCoordinator
	default:
		return RoleParticipant
	}
}

// DisplayName returns the name shown to the invited person
func (r Role) DisplayName() string {
	switch r {
	case RoleCreator:
		return "Creator"
	case RoleCoordinator:
		return "Coordinator"
	case RoleParticipant:
		return "Participant"
	default:
		return string(r)
	}
}

// Description returns a human-readable description of the role
func (r Role) Description() string {
	switch r {
	case RoleCreator, RoleCoordinator:
		return "Can invite devices and manage the project"
	case RoleParticipant:
		return "Can take and share observations"
	default:
		return "Unknown role"
	}
}

// CanInvite reports whether devices with this role may invite others.
func (r Role) CanInvite() bool {
	return r == RoleCreator || r == RoleCoordinator
}

// InvitableRoles returns the roles a device can be invited with.
func InvitableRoles() []Role {
	return []Role{RoleCoordinator, RoleParticipant}
}
