package models

import (
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// User transitions
// ---------------------------------------------------------------------------

func TestNewUser_NormalizesLogin(t *testing.T) {
	u := NewUser("u-1", "  New@X.com ", nil)
	if u.Login != "new@x.com" {
		t.Errorf("Login = %q, want new@x.com", u.Login)
	}
	if u.Status != UserStatusCreated {
		t.Errorf("Status = %s, want CREATED", u.Status)
	}
}

func TestUser_InviteThenAccept(t *testing.T) {
	u := NewUser("u-1", "a@x.com", nil)
	u.LinkTo("org-1")

	if err := u.Invite(AcceptKey{Hash: "h", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("Invite: %v", err)
	}
	if u.Status != UserStatusInvited {
		t.Errorf("Status = %s, want INVITED", u.Status)
	}
	if u.AcceptKey() == nil {
		t.Fatal("AcceptKey() = nil after Invite")
	}

	changed, err := u.Accept()
	if err != nil || !changed {
		t.Fatalf("Accept = (%v, %v), want (true, nil)", changed, err)
	}
	if u.AcceptKey() != nil {
		t.Error("AcceptKey() should be cleared after Accept")
	}

	changed, err = u.Accept()
	if err != nil || changed {
		t.Errorf("second Accept = (%v, %v), want (false, nil)", changed, err)
	}
}

func TestUser_InviteAcceptedFails(t *testing.T) {
	u := NewUser("u-1", "a@x.com", nil)
	u.AcceptAsFounder("org-1")
	if err := u.Invite(AcceptKey{Hash: "h", CreatedAt: time.Now()}); err != ErrAlreadyAccepted {
		t.Errorf("Invite err = %v, want ErrAlreadyAccepted", err)
	}
	if !u.Admin || !u.BelongsTo("org-1") {
		t.Error("founder should be admin member of org-1")
	}
}

func TestUser_Decline(t *testing.T) {
	u := NewUser("u-1", "a@x.com", nil)
	_ = u.Invite(AcceptKey{Hash: "h", CreatedAt: time.Now()})
	if err := u.Decline(); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	if _, err := u.Accept(); err != ErrDeclined {
		t.Errorf("Accept after Decline err = %v, want ErrDeclined", err)
	}
}

func TestUser_PromoteAndRemoveAdminRights(t *testing.T) {
	u := NewUser("u-1", "a@x.com", nil)
	u.Promote()
	if !u.Admin {
		t.Error("Promote should set Admin")
	}
	u.RemoveAdminRights()
	if u.Admin {
		t.Error("RemoveAdminRights should clear Admin")
	}
}

// ---------------------------------------------------------------------------
// Organization / Role helpers
// ---------------------------------------------------------------------------

func TestAddress_Missing(t *testing.T) {
	a := Address{Street: "Main 1", City: "Bonn"}
	missing := a.Missing()
	if len(missing) != 2 || missing[0] != "postalCode" || missing[1] != "country" {
		t.Errorf("Missing() = %v", missing)
	}
}

func TestOrganization_LogoURLFallsBackToImage(t *testing.T) {
	img := "images/org-1/a.png"
	o := &Organization{Image: &img}
	if o.LogoURL() != img {
		t.Errorf("LogoURL() = %q, want %q", o.LogoURL(), img)
	}
}

func TestTechnicalNames_SkipsUnlinked(t *testing.T) {
	tn := "ROLE_ACME_1A2B3C"
	roles := []*Role{{ID: "r1", TechnicalName: &tn}, {ID: "r2"}}
	names := TechnicalNames(roles)
	if len(names) != 1 || names[0] != tn {
		t.Errorf("TechnicalNames = %v", names)
	}
}
