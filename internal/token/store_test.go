package token

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// TestStore_SetClearCurrent verifies the basic lifecycle: empty store,
// stored pair, cleared store.
func TestStore_SetClearCurrent(t *testing.T) {
	s := NewStore()

	if _, ok := s.Current(); ok {
		t.Fatal("expected empty store to report absent")
	}

	s.Set(Pair{Access: "a1", Refresh: "r1"})
	pair, ok := s.Current()
	if !ok {
		t.Fatal("expected pair after Set")
	}
	if pair.Access != "a1" || pair.Refresh != "r1" {
		t.Errorf("unexpected pair: %+v", pair)
	}

	// Set is idempotent
	s.Set(Pair{Access: "a1", Refresh: "r1"})
	if pair, _ := s.Current(); pair.Access != "a1" {
		t.Errorf("unexpected pair after repeated Set: %+v", pair)
	}

	s.Clear()
	if _, ok := s.Current(); ok {
		t.Fatal("expected absent after Clear")
	}
}

// TestFileStore_Roundtrip verifies that a persisted pair survives a
// process restart (a fresh store on the same path) and that Clear removes
// the file.
func TestFileStore_Roundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")

	s, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	s.Set(Pair{Access: "a1", Refresh: "r1"})

	reopened, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore reopen: %v", err)
	}
	pair, ok := reopened.Current()
	if !ok {
		t.Fatal("expected persisted pair after reopen")
	}
	if pair.Access != "a1" || pair.Refresh != "r1" {
		t.Errorf("unexpected pair after reopen: %+v", pair)
	}

	reopened.Clear()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected token file removed after Clear, stat err: %v", err)
	}
}

// TestFileStore_MissingFile verifies that a store on a nonexistent path
// starts empty instead of failing.
func TestFileStore_MissingFile(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if _, ok := s.Current(); ok {
		t.Fatal("expected empty store for missing file")
	}
}

// TestStore_ConcurrentAccess exercises the store from many goroutines to
// catch races under -race.
func TestStore_ConcurrentAccess(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Set(Pair{Access: "a", Refresh: "r"})
		}()
		go func() {
			defer wg.Done()
			s.Current()
		}()
	}
	wg.Wait()
}
