package rbac

type Role string
type Action string

const (
	RoleViewer   Role = "viewer"
	RoleMember   Role = "member"
	RoleReviewer Role = "reviewer"
	RoleAdmin    Role = "admin"
)

const (
	ActionRead            Action = "read"
	ActionCreateProposal  Action = "create_proposal"
	ActionReview          Action = "review"
	ActionViewEvaluations Action = "view_evaluations"
	ActionManageWorkflows Action = "manage_workflows"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleReviewer:
		return action == ActionRead || action == ActionCreateProposal || action == ActionReview || action == ActionViewEvaluations
	case RoleMember:
		return action == ActionRead || action == ActionCreateProposal || action == ActionReview
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleMember, RoleReviewer, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
