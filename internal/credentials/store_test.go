package credentials

import (
	"sync"
	"testing"

	"golang.org/x/oauth2"

	"github.com/teemow/mailsession/internal/account"
)

func newSet(access, refresh string) *Set {
	return &Set{
		UID:   "uid-1",
		Token: oauth2.Token{AccessToken: access, RefreshToken: refresh},
		Scope: "full",
	}
}

func TestGetMissing(t *testing.T) {
	s := NewStore()
	if _, ok := s.Get(account.ID("missing")); ok {
		t.Error("Get on empty store reported credentials")
	}
}

func TestReplaceAndGet(t *testing.T) {
	s := NewStore()
	id := account.NewID()

	s.Replace(id, newSet("access-1", "refresh-1"))

	set, ok := s.Get(id)
	if !ok {
		t.Fatal("Get after Replace reported no credentials")
	}
	if set.AccessToken() != "access-1" {
		t.Errorf("access token = %q, want %q", set.AccessToken(), "access-1")
	}
	if set.RefreshToken() != "refresh-1" {
		t.Errorf("refresh token = %q, want %q", set.RefreshToken(), "refresh-1")
	}
}

func TestReplaceSwapsWholeSet(t *testing.T) {
	s := NewStore()
	id := account.NewID()

	s.Replace(id, newSet("access-1", "refresh-1"))
	old, _ := s.Get(id)

	s.Replace(id, newSet("access-2", "refresh-2"))

	// The old value must be untouched: replacement is a pointer swap,
	// never in-place mutation.
	if old.AccessToken() != "access-1" {
		t.Errorf("old set mutated: access token = %q", old.AccessToken())
	}
	cur, _ := s.Get(id)
	if cur.AccessToken() != "access-2" {
		t.Errorf("current access token = %q, want %q", cur.AccessToken(), "access-2")
	}
}

func TestReplaceNilClears(t *testing.T) {
	s := NewStore()
	id := account.NewID()

	s.Replace(id, newSet("access-1", "refresh-1"))
	s.Replace(id, nil)

	if _, ok := s.Get(id); ok {
		t.Error("Get after Replace(nil) reported credentials")
	}
}

func TestClear(t *testing.T) {
	s := NewStore()
	id := account.NewID()

	s.Replace(id, newSet("access-1", "refresh-1"))
	s.Clear(id)

	if _, ok := s.Get(id); ok {
		t.Error("Get after Clear reported credentials")
	}
	if s.Refreshing(id) {
		t.Error("Clear left the refresh marker set")
	}
}

func TestRefreshMarker(t *testing.T) {
	s := NewStore()
	id := account.NewID()
	s.Replace(id, newSet("access-1", "refresh-1"))

	if !s.BeginRefresh(id) {
		t.Fatal("BeginRefresh on idle account returned false")
	}
	if s.BeginRefresh(id) {
		t.Error("BeginRefresh while in flight returned true")
	}
	if !s.Refreshing(id) {
		t.Error("Refreshing = false while marker set")
	}

	s.EndRefresh(id)
	if s.Refreshing(id) {
		t.Error("Refreshing = true after EndRefresh")
	}
}

func TestReplaceInvalidatesRefreshMarker(t *testing.T) {
	s := NewStore()
	id := account.NewID()
	s.Replace(id, newSet("access-1", "refresh-1"))

	s.BeginRefresh(id)
	s.Replace(id, newSet("access-2", "refresh-2"))

	if s.Refreshing(id) {
		t.Error("Replace did not invalidate the in-flight refresh marker")
	}
}

func TestLockRefusesCredentials(t *testing.T) {
	s := NewStore()
	id := account.NewID()
	s.Replace(id, newSet("access-1", "refresh-1"))

	s.Lock(id)

	if !s.Locked(id) {
		t.Fatal("Locked = false after Lock")
	}
	if _, ok := s.Get(id); ok {
		t.Error("Get on locked account reported credentials")
	}

	// Re-authentication installs a new set and unlocks the account.
	s.Replace(id, newSet("access-2", "refresh-2"))
	if s.Locked(id) {
		t.Error("Replace did not unlock the account")
	}
	if set, ok := s.Get(id); !ok || set.AccessToken() != "access-2" {
		t.Error("Get after re-auth did not return the fresh set")
	}
}

func TestConcurrentReadersDuringReplace(t *testing.T) {
	s := NewStore()
	id := account.NewID()
	s.Replace(id, newSet("access-0", "refresh-0"))

	var wg sync.WaitGroup
	stop := make(chan struct{})

	// Readers must always observe a complete set: either the old one or the
	// new one, never a torn value.
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				set, ok := s.Get(id)
				if !ok {
					continue
				}
				access := set.AccessToken()
				refresh := set.RefreshToken()
				if access[len("access-"):] != refresh[len("refresh-"):] {
					t.Errorf("torn read: %q / %q", access, refresh)
					return
				}
			}
		}()
	}

	for i := 1; i <= 100; i++ {
		s.Replace(id, newSet("access-"+string(rune('0'+i%10)), "refresh-"+string(rune('0'+i%10))))
	}
	close(stop)
	wg.Wait()
}

func TestStats(t *testing.T) {
	s := NewStore()
	a, b := account.NewID(), account.NewID()
	s.Replace(a, newSet("x", "y"))
	s.Replace(b, newSet("x", "y"))
	s.BeginRefresh(a)
	s.Lock(b)

	stats := s.Stats()
	if stats["credential_sets"] != 2 {
		t.Errorf("credential_sets = %d, want 2", stats["credential_sets"])
	}
	if stats["in_flight_refreshes"] != 1 {
		t.Errorf("in_flight_refreshes = %d, want 1", stats["in_flight_refreshes"])
	}
	if stats["locked_accounts"] != 1 {
		t.Errorf("locked_accounts = %d, want 1", stats["locked_accounts"])
	}
}
