package session

import (
	"testing"
	"time"
)

func TestCreateAndGetSession(t *testing.T) {
	st := New(time.Hour, 10)
	s := st.CreateSession()
	if s.ID == "" {
		t.Fatal("expected non-empty session id")
	}
	got, ok := st.GetSession(s.ID)
	if !ok || got.ID != s.ID {
		t.Fatalf("GetSession() = %+v, %v", got, ok)
	}
}

func TestGetSessionExpiredReturnsNotFound(t *testing.T) {
	st := New(time.Millisecond, 10)
	s := st.CreateSession()
	time.Sleep(5 * time.Millisecond)
	_, ok := st.GetSession(s.ID)
	if ok {
		t.Fatal("expected expired session to be not found")
	}
}

func TestAddMessageTruncatesToHistoryCap(t *testing.T) {
	st := New(time.Hour, 2) // cap = 4 messages
	s := st.CreateSession()
	for i := 0; i < 10; i++ {
		st.AddMessage(s.ID, RoleUser, "msg", nil)
	}
	hist, ok := st.GetHistory(s.ID)
	if !ok {
		t.Fatal("expected session to exist")
	}
	if len(hist) != 4 {
		t.Fatalf("len(history) = %d, want 4", len(hist))
	}
}

func TestGetSessionRefreshesLastAccessed(t *testing.T) {
	st := New(50*time.Millisecond, 10)
	s := st.CreateSession()
	time.Sleep(30 * time.Millisecond)
	if _, ok := st.GetSession(s.ID); !ok {
		t.Fatal("expected session still alive")
	}
	time.Sleep(30 * time.Millisecond)
	if _, ok := st.GetSession(s.ID); !ok {
		t.Fatal("expected access refresh to extend TTL")
	}
}

func TestPendingDecisionLifecycle(t *testing.T) {
	st := New(time.Hour, 10)
	s := st.CreateSession()
	if _, ok := s.HasPendingDecision(); ok {
		t.Fatal("expected no pending decision initially")
	}
	s.SetPendingDecision(PendingDecision{Type: PendingDecisionLowConfidence, OriginalQuery: "xyz"})
	pd, ok := s.HasPendingDecision()
	if !ok || pd.OriginalQuery != "xyz" {
		t.Fatalf("HasPendingDecision() = %+v, %v", pd, ok)
	}
	s.ClearPendingDecision()
	if _, ok := s.HasPendingDecision(); ok {
		t.Fatal("expected pending decision cleared")
	}
}

func TestStorePendingDecisionLifecycle(t *testing.T) {
	st := New(time.Hour, 10)
	s := st.CreateSession()
	if _, ok := st.GetPendingDecision(s.ID); ok {
		t.Fatal("expected no pending decision initially")
	}
	if !st.SetPendingDecision(s.ID, PendingDecision{Type: PendingDecisionLowConfidence, OriginalQuery: "xyz"}) {
		t.Fatal("expected SetPendingDecision to succeed for a live session")
	}
	pd, ok := st.GetPendingDecision(s.ID)
	if !ok || pd.OriginalQuery != "xyz" {
		t.Fatalf("GetPendingDecision() = %+v, %v", pd, ok)
	}
	if !st.ClearPendingDecision(s.ID) {
		t.Fatal("expected ClearPendingDecision to succeed for a live session")
	}
	if _, ok := st.GetPendingDecision(s.ID); ok {
		t.Fatal("expected pending decision cleared")
	}
}

func TestCleanupExpiredRemovesOnlyExpired(t *testing.T) {
	st := New(10*time.Millisecond, 10)
	keep := st.CreateSession()
	st.mu.Lock()
	st.sessions[keep.ID].LastAccessed = time.Now()
	st.mu.Unlock()
	expired := st.CreateSession()
	st.mu.Lock()
	st.sessions[expired.ID].LastAccessed = time.Now().Add(-time.Hour)
	st.mu.Unlock()

	removed := st.CleanupExpired()
	if removed != 1 {
		t.Fatalf("CleanupExpired() removed = %d, want 1", removed)
	}
	if _, ok := st.GetSession(keep.ID); !ok {
		t.Fatal("expected non-expired session to survive cleanup")
	}
}
