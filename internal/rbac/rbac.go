// Package rbac defines the per-workspace role levels and the pure
// authorization decision function gating every operation.
package rbac

// Role is an ordinal permission level inside a workspace. Comparisons are
// by rank, never by label.
type Role int

const (
	RoleNone             Role = 0
	RoleReader           Role = 1
	RoleContributor      Role = 2
	RoleContentManager   Role = 4
	RoleWorkspaceManager Role = 8
)

func (r Role) String() string {
	switch r {
	case RoleReader:
		return "reader"
	case RoleContributor:
		return "contributor"
	case RoleContentManager:
		return "content-manager"
	case RoleWorkspaceManager:
		return "workspace-manager"
	default:
		return "none"
	}
}

// ParseRole maps a role label to its level. Unknown labels parse to
// RoleNone with ok=false.
func ParseRole(label string) (Role, bool) {
	switch label {
	case "reader":
		return RoleReader, true
	case "contributor":
		return RoleContributor, true
	case "content-manager":
		return RoleContentManager, true
	case "workspace-manager":
		return RoleWorkspaceManager, true
	default:
		return RoleNone, false
	}
}

// Meets reports whether the granted level satisfies the required one.
func (r Role) Meets(required Role) bool {
	return r >= required
}

// Reason explains a denial. The two values are distinct on purpose: callers
// map them to different externally visible error codes.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonInsufficientProfile
	ReasonContentTypeNotAllowed
)

// Input carries everything Authorize needs. Granted is RoleNone when the
// principal has no assignment in the workspace. An empty AllowedTypes slice
// means the operation is not constrained by content type.
type Input struct {
	SiteAdmin    bool
	Granted      Role
	Required     Role
	AllowedTypes []string
	ActualType   string
}

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	Reason  Reason
}

// Authorize is the pure access-control evaluator. Check order is a
// contract: profile failures must be reported before content-type failures.
//  1. a site admin is always allowed
//  2. no assignment, or a rank below the requirement, denies with
//     ReasonInsufficientProfile
//  3. when AllowedTypes is non-empty, ActualType must be a member
func Authorize(in Input) Decision {
	if in.SiteAdmin {
		return Decision{Allowed: true}
	}
	if in.Granted == RoleNone || !in.Granted.Meets(in.Required) {
		return Decision{Reason: ReasonInsufficientProfile}
	}
	if len(in.AllowedTypes) > 0 {
		found := false
		for _, t := range in.AllowedTypes {
			if t == in.ActualType {
				found = true
				break
			}
		}
		if !found {
			return Decision{Reason: ReasonContentTypeNotAllowed}
		}
	}
	return Decision{Allowed: true}
}
