package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCreateUserUniqueUsername(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	id, err := m.CreateUser(ctx, User{Username: "ada", Name: "Ada", PasswordHash: "h", ModelPreference: "lip"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if id == "" {
		t.Fatal("empty user id")
	}

	if _, err := m.CreateUser(ctx, User{Username: "ada", Name: "Other"}); !errors.Is(err, ErrUsernameTaken) {
		t.Errorf("duplicate username err = %v, want ErrUsernameTaken", err)
	}

	u, err := m.UserByUsername(ctx, "ada")
	if err != nil {
		t.Fatalf("UserByUsername: %v", err)
	}
	if u.ID != id || u.Name != "Ada" {
		t.Errorf("got %+v", u)
	}

	if _, err := m.UserByID(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("UserByID(nope) err = %v, want ErrNotFound", err)
	}
}

func TestSetModelPreference(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id, _ := m.CreateUser(ctx, User{Username: "ada", ModelPreference: "lip"})

	if err := m.SetModelPreference(ctx, id, "audio"); err != nil {
		t.Fatalf("SetModelPreference: %v", err)
	}
	u, _ := m.UserByID(ctx, id)
	if u.ModelPreference != "audio" {
		t.Errorf("preference = %q, want audio", u.ModelPreference)
	}
	if err := m.SetModelPreference(ctx, "missing", "lip"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAddContactIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	a, _ := m.CreateUser(ctx, User{Username: "ada", Name: "Ada"})
	b, _ := m.CreateUser(ctx, User{Username: "bob", Name: "Bob"})

	created, err := m.AddContact(ctx, a, b)
	if err != nil || !created {
		t.Fatalf("first add: created=%v err=%v", created, err)
	}
	created, err = m.AddContact(ctx, a, b)
	if err != nil || created {
		t.Fatalf("second add: created=%v err=%v, want no new edge and no error", created, err)
	}

	contacts, err := m.Contacts(ctx, a)
	if err != nil {
		t.Fatalf("Contacts: %v", err)
	}
	if len(contacts) != 1 || contacts[0].ID != b {
		t.Errorf("contacts = %+v, want just bob", contacts)
	}

	// Directed edge: bob has no contacts.
	contacts, _ = m.Contacts(ctx, b)
	if len(contacts) != 0 {
		t.Errorf("bob's contacts = %+v, want none", contacts)
	}
}

func TestCallHistoryOrderAndLimit(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		_, err := m.InsertCall(ctx, CallRecord{
			CallerID:  "A",
			CalleeID:  "B",
			StartedAt: base.Add(time.Duration(i) * time.Hour),
			EndedAt:   base.Add(time.Duration(i)*time.Hour + time.Minute),
			Outcome:   OutcomeCompleted,
		})
		if err != nil {
			t.Fatalf("InsertCall: %v", err)
		}
	}
	_, _ = m.InsertCall(ctx, CallRecord{CallerID: "C", CalleeID: "D", StartedAt: base})

	hist, err := m.CallHistory(ctx, "A", 3)
	if err != nil {
		t.Fatalf("CallHistory: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("len = %d, want 3", len(hist))
	}
	for i := 1; i < len(hist); i++ {
		if hist[i].StartedAt.After(hist[i-1].StartedAt) {
			t.Errorf("history not newest-first at %d", i)
		}
	}
	// C's call never shows for A.
	for _, c := range hist {
		if c.CallerID == "C" {
			t.Error("unrelated call in history")
		}
	}
}

func TestConsumeRefreshTokenSingleUse(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	rt := RefreshToken{
		JTI:       "j1",
		UserID:    "U1",
		TokenHash: "h1",
		IssuedAt:  time.Now().UTC(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := m.SaveRefreshToken(ctx, rt); err != nil {
		t.Fatalf("SaveRefreshToken: %v", err)
	}

	if err := m.ConsumeRefreshToken(ctx, "j1", "h1"); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if err := m.ConsumeRefreshToken(ctx, "j1", "h1"); !errors.Is(err, ErrTokenSpent) {
		t.Errorf("second consume err = %v, want ErrTokenSpent", err)
	}
}

func TestConsumeRefreshTokenRejects(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.SaveRefreshToken(ctx, RefreshToken{
		JTI: "live", UserID: "U1", TokenHash: "h",
		ExpiresAt: time.Now().Add(time.Hour),
	})
	_ = m.SaveRefreshToken(ctx, RefreshToken{
		JTI: "stale", UserID: "U1", TokenHash: "h",
		ExpiresAt: time.Now().Add(-time.Hour),
	})

	tests := []struct {
		name string
		jti  string
		hash string
	}{
		{name: "unknown_jti", jti: "ghost", hash: "h"},
		{name: "wrong_hash", jti: "live", hash: "other"},
		{name: "expired", jti: "stale", hash: "h"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := m.ConsumeRefreshToken(ctx, tt.jti, tt.hash); !errors.Is(err, ErrTokenSpent) {
				t.Errorf("err = %v, want ErrTokenSpent", err)
			}
		})
	}
}

func TestRevokeUserTokens(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)
	_ = m.SaveRefreshToken(ctx, RefreshToken{JTI: "a", UserID: "U1", TokenHash: "h", ExpiresAt: exp})
	_ = m.SaveRefreshToken(ctx, RefreshToken{JTI: "b", UserID: "U1", TokenHash: "h", ExpiresAt: exp})
	_ = m.SaveRefreshToken(ctx, RefreshToken{JTI: "c", UserID: "U2", TokenHash: "h", ExpiresAt: exp})

	if err := m.RevokeUserTokens(ctx, "U1", ""); err != nil {
		t.Fatalf("RevokeUserTokens: %v", err)
	}
	for _, jti := range []string{"a", "b"} {
		if rt, _ := m.Token(jti); !rt.Revoked {
			t.Errorf("token %s not revoked", jti)
		}
	}
	if rt, _ := m.Token("c"); rt.Revoked {
		t.Error("other user's token revoked")
	}

	// A rotation spares its own successor.
	_ = m.SaveRefreshToken(ctx, RefreshToken{JTI: "d", UserID: "U2", TokenHash: "h", ExpiresAt: exp})
	if err := m.RevokeUserTokens(ctx, "U2", "d"); err != nil {
		t.Fatalf("RevokeUserTokens: %v", err)
	}
	if rt, _ := m.Token("c"); !rt.Revoked {
		t.Error("displaced token not revoked")
	}
	if rt, _ := m.Token("d"); rt.Revoked {
		t.Error("successor token revoked by its own rotation")
	}
}
