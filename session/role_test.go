package session

import "testing"

func TestCapabilityMatrix(t *testing.T) {
	tests := []struct {
		role      Role
		edit      bool
		run       bool
		dashboard bool
		admin     bool
		audit     bool
		template  bool
		home      Page
	}{
		{RoleParalegal, false, true, false, false, false, true, PageWorkflow},
		{RoleAssociate, true, true, false, false, false, false, PageWorkflow},
		{RolePartner, false, true, true, false, true, true, PageDashboard},
		{RoleITAdmin, false, false, true, true, false, false, PageDashboard},
	}

	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			checks := []struct {
				action Action
				want   bool
			}{
				{ActionEditWorkflow, tt.edit},
				{ActionRunWorkflow, tt.run},
				{ActionViewDashboard, tt.dashboard},
				{ActionAdminDashboard, tt.admin},
				{ActionViewAuditLogs, tt.audit},
			}
			for _, c := range checks {
				if got := tt.role.Can(c.action); got != c.want {
					t.Errorf("%s.Can(%s) = %v, want %v", tt.role, c.action, got, c.want)
				}
			}
			if got := tt.role.UsesTemplate(); got != tt.template {
				t.Errorf("%s.UsesTemplate() = %v, want %v", tt.role, got, tt.template)
			}
			if got := tt.role.Home(); got != tt.home {
				t.Errorf("%s.Home() = %s, want %s", tt.role, got, tt.home)
			}
		})
	}
}

func TestParseRole(t *testing.T) {
	tests := []struct {
		in      string
		want    Role
		wantErr bool
	}{
		{"paralegal", RoleParalegal, false},
		{"Associate", RoleAssociate, false},
		{" partner ", RolePartner, false},
		{"it_admin", RoleITAdmin, false},
		{"it admin", RoleITAdmin, false},
		{"IT admin", RoleITAdmin, false},
		{"", "", true},
		{"admin", "", true},
	}
	for _, tt := range tests {
		got, err := ParseRole(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseRole(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseRole(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestUnknownRoleHasNoCapabilities(t *testing.T) {
	r := Role("intern")
	if r.IsValid() {
		t.Fatal("intern should not be a valid role")
	}
	if r.Can(ActionRunWorkflow) {
		t.Error("unknown role must not be able to run workflows")
	}
	if r.Home() != PageLogin {
		t.Errorf("Home() = %s, want login", r.Home())
	}
}
