package rbac

type Role string
type Action string

const (
	RoleUser    Role = "user"
	RoleAuditor Role = "auditor"
	RoleAdmin   Role = "admin"
	RoleSystem  Role = "system"
)

const (
	ActionRead       Action = "read"
	ActionWrite      Action = "write"
	ActionTransition Action = "transition"
	ActionVerify     Action = "verify"
	ActionReopen     Action = "reopen"
	ActionInternal   Action = "internal"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleSystem:
		return action == ActionRead || action == ActionWrite || action == ActionTransition || action == ActionReopen || action == ActionInternal
	case RoleAuditor:
		return action == ActionRead
	case RoleUser:
		return action == ActionRead || action == ActionWrite || action == ActionTransition
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleUser, RoleAuditor, RoleAdmin, RoleSystem:
		return Role(role)
	default:
		return RoleUser
	}
}
