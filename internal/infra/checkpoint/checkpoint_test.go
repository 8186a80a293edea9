package checkpoint

import (
	"testing"
)

func TestStore_GetSet(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if _, ok, err := s.Get("feed"); err != nil || ok {
		t.Fatalf("expected no cursor, got ok=%v err=%v", ok, err)
	}

	if err := s.Set("feed", Cursor{Block: 10, LogIndex: 2}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// older positions are ignored
	s.Set("feed", Cursor{Block: 9, LogIndex: 7})
	s.Set("feed", Cursor{Block: 10, LogIndex: 1})

	c, ok, err := s.Get("feed")
	if err != nil || !ok {
		t.Fatalf("Get failed: ok=%v err=%v", ok, err)
	}
	if c.Block != 10 || c.LogIndex != 2 {
		t.Errorf("expected 10/2, got %d/%d", c.Block, c.LogIndex)
	}

	// survives reopen
	s.Close()
	s, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	c, ok, _ = s.Get("feed")
	if !ok || c.Block != 10 {
		t.Errorf("cursor lost across reopen: %+v ok=%v", c, ok)
	}

	if err := s.Reset("feed"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if _, ok, _ := s.Get("feed"); ok {
		t.Error("cursor should be gone after Reset")
	}
}
