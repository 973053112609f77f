package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "viewer read", role: RoleViewer, action: ActionRead, allow: true},
		{name: "viewer create proposal", role: RoleViewer, action: ActionCreateProposal, allow: false},
		{name: "viewer review", role: RoleViewer, action: ActionReview, allow: false},
		{name: "member create proposal", role: RoleMember, action: ActionCreateProposal, allow: true},
		{name: "member review", role: RoleMember, action: ActionReview, allow: true},
		{name: "member view evaluations", role: RoleMember, action: ActionViewEvaluations, allow: false},
		{name: "reviewer review", role: RoleReviewer, action: ActionReview, allow: true},
		{name: "reviewer view evaluations", role: RoleReviewer, action: ActionViewEvaluations, allow: true},
		{name: "reviewer manage workflows", role: RoleReviewer, action: ActionManageWorkflows, allow: false},
		{name: "admin manage workflows", role: RoleAdmin, action: ActionManageWorkflows, allow: true},
		{name: "unknown role", role: Role("owner"), action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("reviewer"); got != RoleReviewer {
		t.Fatalf("Normalize(reviewer) = %q", got)
	}
	if got := Normalize("editor"); got != RoleViewer {
		t.Fatalf("Normalize(editor) = %q, want viewer", got)
	}
}
