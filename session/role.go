package session

import (
	"fmt"
	"strings"
)

// Role is the job function an Identity acts under.
type Role string

const (
	RoleParalegal Role = "paralegal"
	RoleAssociate Role = "associate"
	RolePartner   Role = "partner"
	RoleITAdmin   Role = "it_admin"
)

// Roles lists every known role in display order.
var Roles = []Role{RoleParalegal, RoleAssociate, RolePartner, RoleITAdmin}

// IsValid reports whether r is a known role.
func (r Role) IsValid() bool {
	_, ok := capabilities[r]
	return ok
}

// ParseRole converts a role name to a Role. The legacy "it admin" spelling
// used by older session records is accepted.
func ParseRole(s string) (Role, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, " ", "_")
	r := Role(norm)
	if !r.IsValid() {
		return "", fmt.Errorf("unknown role: %q", s)
	}
	return r, nil
}

// Action is a permission checked by Authorize.
type Action string

const (
	ActionEditWorkflow   Action = "edit_workflow"
	ActionRunWorkflow    Action = "run_workflow"
	ActionViewDashboard  Action = "view_dashboard"
	ActionAdminDashboard Action = "admin_dashboard"
	ActionViewAuditLogs  Action = "view_audit_logs"
)

// capabilities is the single role -> permitted-action table. Every
// authorization decision in the module goes through it.
var capabilities = map[Role]map[Action]bool{
	RoleParalegal: {
		ActionRunWorkflow: true,
	},
	RoleAssociate: {
		ActionEditWorkflow: true,
		ActionRunWorkflow:  true,
	},
	RolePartner: {
		ActionRunWorkflow:   true,
		ActionViewDashboard: true,
		ActionViewAuditLogs: true,
	},
	RoleITAdmin: {
		ActionViewDashboard:  true,
		ActionAdminDashboard: true,
	},
}

// Can reports whether the role is permitted to perform action.
func (r Role) Can(action Action) bool {
	return capabilities[r][action]
}

// UsesTemplate reports whether the role runs the fixed workflow template
// instead of building its own graph.
func (r Role) UsesTemplate() bool {
	return r.Can(ActionRunWorkflow) && !r.Can(ActionEditWorkflow)
}

// Page is a top-level screen of the dashboard front-end.
type Page string

const (
	PageLogin     Page = "login"
	PageWorkflow  Page = "workflow"
	PageDashboard Page = "dashboard"
	PageAuditLogs Page = "auditlogs"
)

// Home returns the page a freshly logged-in user of this role lands on:
// the first page the role is permitted to open.
func (r Role) Home() Page {
	switch {
	case r.Can(ActionRunWorkflow) && !r.Can(ActionViewDashboard):
		return PageWorkflow
	case r.Can(ActionViewDashboard):
		return PageDashboard
	case r.Can(ActionViewAuditLogs):
		return PageAuditLogs
	default:
		return PageLogin
	}
}
