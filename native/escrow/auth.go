package escrow

import "strings"

// Role identifies which party of a project an operation requires.
type Role uint8

const (
	RoleClient Role = iota + 1
	RoleFreelancer
	// RoleAny matches either party. It is only meaningful for queries.
	RoleAny
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleFreelancer:
		return "freelancer"
	case RoleAny:
		return "any"
	default:
		return "unknown"
	}
}

// ParseRole accepts "client", "freelancer" or "any" (the empty string maps to
// RoleAny).
func ParseRole(value string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "client":
		return RoleClient, true
	case "freelancer":
		return RoleFreelancer, true
	case "", "any":
		return RoleAny, true
	default:
		return 0, false
	}
}

// IsAuthorized reports whether caller holds the required role on the project.
// Authorization is plain address equality; the zero address never matches.
func IsAuthorized(caller [20]byte, project *Project, required Role) bool {
	if project == nil || caller == ([20]byte{}) {
		return false
	}
	switch required {
	case RoleClient:
		return caller == project.Client
	case RoleFreelancer:
		return caller == project.Freelancer
	case RoleAny:
		return caller == project.Client || caller == project.Freelancer
	default:
		return false
	}
}
