package bootstrap

import (
	"testing"

	"github.com/uncord-chat/signalcore/internal/permission"
)

func TestDefaultOwnerPermissionsWidens(t *testing.T) {
	t.Parallel()
	if !DefaultOwnerPermissions.Has(permission.ServerManage) {
		t.Error("owner role must carry server.manage")
	}
}

func TestDefaultMemberPermissionsAreNonAdministrative(t *testing.T) {
	t.Parallel()
	for _, p := range []permission.Permission{
		permission.ServerManage,
		permission.RoleCreate,
		permission.RoleEdit,
		permission.RoleDelete,
		permission.RoleAssign,
		permission.UserKick,
	} {
		if DefaultMemberPermissions.Has(p) {
			t.Errorf("member role must not carry %s", p)
		}
	}
	if !DefaultMemberPermissions.Has(permission.MemberView) {
		t.Error("member role should carry member.view")
	}
}
