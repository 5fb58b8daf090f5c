package auth

import (
	"context"
	"testing"
)

func TestRoleOrdering(t *testing.T) {
	if !(RoleViewer < RoleEditor && RoleEditor < RoleOwner) {
		t.Fatal("role ordering broken: want viewer < editor < owner")
	}
}

func TestParseRole(t *testing.T) {
	for _, name := range []string{"viewer", "editor", "owner"} {
		r, err := ParseRole(name)
		if err != nil {
			t.Fatalf("ParseRole(%q): %v", name, err)
		}
		if r.String() != name {
			t.Errorf("round trip: %q -> %v", name, r)
		}
	}
	if _, err := ParseRole("admin"); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestStaticACL_Grants(t *testing.T) {
	acl := NewStaticACL(0)
	ctx := context.Background()

	acl.Grant("doc1", "alice", RoleOwner)
	acl.Grant("doc1", "bob", RoleViewer)

	cases := []struct {
		user     string
		required Role
		want     bool
	}{
		{"alice", RoleOwner, true},
		{"alice", RoleViewer, true},
		{"bob", RoleViewer, true},
		{"bob", RoleEditor, false},
		{"carol", RoleViewer, false},
	}
	for _, c := range cases {
		got, err := acl.HasAccess(ctx, c.user, "doc1", c.required)
		if err != nil {
			t.Fatal(err)
		}
		if got != c.want {
			t.Errorf("HasAccess(%s, doc1, %v) = %v, want %v", c.user, c.required, got, c.want)
		}
	}
}

func TestStaticACL_DefaultRole(t *testing.T) {
	acl := NewStaticACL(RoleEditor)
	ctx := context.Background()

	ok, _ := acl.HasAccess(ctx, "anyone", "any-doc", RoleEditor)
	if !ok {
		t.Error("default editor role not applied")
	}
	ok, _ = acl.HasAccess(ctx, "anyone", "any-doc", RoleOwner)
	if ok {
		t.Error("default role should not grant owner")
	}

	// An explicit grant overrides the default, including downgrades.
	acl.Grant("doc1", "mallory", RoleViewer)
	ok, _ = acl.HasAccess(ctx, "mallory", "doc1", RoleEditor)
	if ok {
		t.Error("explicit viewer grant should override editor default")
	}
}

func TestStaticACL_Revoke(t *testing.T) {
	acl := NewStaticACL(0)
	ctx := context.Background()

	acl.Grant("doc1", "alice", RoleEditor)
	acl.Revoke("doc1", "alice")

	ok, _ := acl.HasAccess(ctx, "alice", "doc1", RoleViewer)
	if ok {
		t.Error("revoked grant still effective")
	}
}

func TestGuardFunc(t *testing.T) {
	var gotUser, gotDoc string
	g := GuardFunc(func(_ context.Context, userID, docID string, required Role) (bool, error) {
		gotUser, gotDoc = userID, docID
		return required <= RoleEditor, nil
	})

	ok, err := g.HasAccess(context.Background(), "u1", "d1", RoleEditor)
	if err != nil || !ok {
		t.Fatalf("HasAccess = %v, %v", ok, err)
	}
	if gotUser != "u1" || gotDoc != "d1" {
		t.Errorf("adapter did not pass arguments through")
	}
}
