package logging

import (
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestWithOperation(t *testing.T) {
	logger := slog.Default()
	result := WithOperation(logger, "auth.refresh")
	if result == nil {
		t.Error("WithOperation returned nil")
	}
}

func TestWithAccount(t *testing.T) {
	logger := slog.Default()
	result := WithAccount(logger, "acct-1")
	if result == nil {
		t.Error("WithAccount returned nil")
	}
}

func TestOperationAttr(t *testing.T) {
	attr := Operation("auth.refresh")
	if attr.Key != KeyOperation {
		t.Errorf("Operation key = %q, want %q", attr.Key, KeyOperation)
	}
	if attr.Value.String() != "auth.refresh" {
		t.Errorf("Operation value = %q, want %q", attr.Value.String(), "auth.refresh")
	}
}

func TestAccountIDAttr(t *testing.T) {
	attr := AccountID("acct-1")
	if attr.Key != KeyAccountID {
		t.Errorf("AccountID key = %q, want %q", attr.Key, KeyAccountID)
	}
	if attr.Value.String() != "acct-1" {
		t.Errorf("AccountID value = %q, want %q", attr.Value.String(), "acct-1")
	}
}

func TestErrAttr(t *testing.T) {
	err := errors.New("boom")
	attr := Err(err)
	if attr.Key != KeyError {
		t.Errorf("Err key = %q, want %q", attr.Key, KeyError)
	}
	if attr.Value.String() != "boom" {
		t.Errorf("Err value = %q, want %q", attr.Value.String(), "boom")
	}
}

func TestErrAttrNil(t *testing.T) {
	attr := Err(nil)
	// A nil error should produce an empty group that slog omits
	if attr.Key != "" {
		t.Errorf("Err(nil) key = %q, want empty", attr.Key)
	}
}

func TestAnonymizeUsername(t *testing.T) {
	tests := []struct {
		name     string
		username string
		empty    bool
	}{
		{name: "regular username", username: "alice@example.com"},
		{name: "empty username", username: "", empty: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AnonymizeUsername(tt.username)
			if tt.empty {
				if got != "" {
					t.Errorf("AnonymizeUsername(%q) = %q, want empty", tt.username, got)
				}
				return
			}
			if !strings.HasPrefix(got, "user:") {
				t.Errorf("AnonymizeUsername(%q) = %q, want user: prefix", tt.username, got)
			}
			if strings.Contains(got, tt.username) {
				t.Errorf("AnonymizeUsername(%q) leaked the username", tt.username)
			}
			// Same input must produce the same hash for log correlation
			if again := AnonymizeUsername(tt.username); again != got {
				t.Errorf("AnonymizeUsername not stable: %q != %q", again, got)
			}
		})
	}
}

func TestSanitizeToken(t *testing.T) {
	if got := SanitizeToken(""); got != "<empty>" {
		t.Errorf("SanitizeToken(\"\") = %q, want <empty>", got)
	}
	got := SanitizeToken("super-secret-token")
	if strings.Contains(got, "secret") {
		t.Errorf("SanitizeToken leaked token content: %q", got)
	}
	if got != "[token:18 chars]" {
		t.Errorf("SanitizeToken = %q, want [token:18 chars]", got)
	}
}
