package models

import "testing"

func TestIsValidOutcome(t *testing.T) {
	for _, o := range []Outcome{OutcomeProcessed, OutcomeDuplicate, OutcomeJunk} {
		if !IsValidOutcome(o) {
			t.Errorf("expected %q to be valid", o)
		}
	}
	if IsValidOutcome("bogus") {
		t.Error("expected bogus outcome to be invalid")
	}
}

func TestUserStatus_IsOnboarding(t *testing.T) {
	if !StatusPending.IsOnboarding() || !StatusOnboarding.IsOnboarding() {
		t.Error("pending and onboarding should be onboarding statuses")
	}
	if StatusActive.IsOnboarding() || StatusNone.IsOnboarding() {
		t.Error("active and none should not be onboarding statuses")
	}
}

func TestParseProfile(t *testing.T) {
	p, err := ParseProfile(nil)
	if err != nil || p != nil {
		t.Fatalf("expected nil profile for empty input, got %v, %v", p, err)
	}
	p, err = ParseProfile([]byte("null"))
	if err != nil || p != nil {
		t.Fatalf("expected nil profile for null, got %v, %v", p, err)
	}
	p, err = ParseProfile([]byte(`{"full_name":"Ada","interests":["chess"]}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.FullName != "Ada" || len(p.Interests) != 1 {
		t.Errorf("unexpected profile: %+v", p)
	}
	if _, err := ParseProfile([]byte("{")); err == nil {
		t.Error("expected error for malformed profile")
	}
}

func TestUserInfo_HasAccount(t *testing.T) {
	var nilUser *UserInfo
	if nilUser.HasAccount() {
		t.Error("nil user should not have an account")
	}
	if (&UserInfo{}).HasAccount() {
		t.Error("empty user should not have an account")
	}
	if !(&UserInfo{UserID: "u1"}).HasAccount() {
		t.Error("user with id should have an account")
	}
}
