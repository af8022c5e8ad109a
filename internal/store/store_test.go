package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "swayambhu.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)

	if err := s.Put("config:defaults", json.RawMessage(`{"model":"m1"}`)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	var got map[string]string
	if err := s.GetJSON("config:defaults", &got); err != nil {
		t.Fatalf("GetJSON failed: %v", err)
	}
	if got["model"] != "m1" {
		t.Errorf("got model %q, want %q", got["model"], "m1")
	}
}

func TestGetMissingKey(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get("no_such_key")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestPutRejectsInvalidJSON(t *testing.T) {
	s := newTestStore(t)

	if err := s.Put("wisdom", json.RawMessage(`{not json`)); err == nil {
		t.Error("Put accepted invalid JSON")
	}
}

// The identity document must reject every write path, no matter how many
// successful writes to other keys came before.
func TestSoulWriteBlock(t *testing.T) {
	s := newTestStore(t)

	if err := s.Seed(json.RawMessage(`{"name":"swayambhu"}`)); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("wisdom_shard_%d", i)
		if err := s.Put(key, json.RawMessage(`"ok"`)); err != nil {
			t.Fatalf("Put %s failed: %v", key, err)
		}
	}

	if err := s.Put(KeySoul, json.RawMessage(`{"name":"evil"}`)); !errors.Is(err, ErrProtectedKey) {
		t.Errorf("Put soul: got %v, want ErrProtectedKey", err)
	}
	if err := s.Delete(KeySoul); !errors.Is(err, ErrProtectedKey) {
		t.Errorf("Delete soul: got %v, want ErrProtectedKey", err)
	}
	if err := s.Rename(KeySoul, "soul_backup"); !errors.Is(err, ErrProtectedKey) {
		t.Errorf("Rename from soul: got %v, want ErrProtectedKey", err)
	}
	if err := s.Rename("wisdom_shard_0", KeySoul); !errors.Is(err, ErrProtectedKey) {
		t.Errorf("Rename onto soul: got %v, want ErrProtectedKey", err)
	}

	var soul map[string]string
	if err := s.GetJSON(KeySoul, &soul); err != nil {
		t.Fatalf("GetJSON soul failed: %v", err)
	}
	if soul["name"] != "swayambhu" {
		t.Errorf("identity document was altered: %v", soul)
	}
}

func TestSeedTwiceRejected(t *testing.T) {
	s := newTestStore(t)

	if err := s.Seed(json.RawMessage(`{"v":1}`)); err != nil {
		t.Fatalf("first Seed failed: %v", err)
	}
	if err := s.Seed(json.RawMessage(`{"v":2}`)); !errors.Is(err, ErrProtectedKey) {
		t.Errorf("second Seed: got %v, want ErrProtectedKey", err)
	}
}

func TestRename(t *testing.T) {
	s := newTestStore(t)

	if err := s.Put("prompt:old", json.RawMessage(`"tmpl"`)); err != nil {
		t.Fatal(err)
	}
	if err := s.Rename("prompt:old", "prompt:new"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}

	if _, err := s.Get("prompt:old"); !errors.Is(err, ErrNotFound) {
		t.Errorf("old key still present: %v", err)
	}
	raw, err := s.Get("prompt:new")
	if err != nil {
		t.Fatalf("new key missing: %v", err)
	}
	if string(raw) != `"tmpl"` {
		t.Errorf("got %s, want %q", raw, `"tmpl"`)
	}
}

func TestKeysPrefix(t *testing.T) {
	s := newTestStore(t)

	for _, k := range []string{"prompt:planning", "prompt:reflect", "wisdom"} {
		if err := s.Put(k, json.RawMessage(`"x"`)); err != nil {
			t.Fatal(err)
		}
	}

	keys, err := s.Keys("prompt:")
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(keys) != 2 || keys[0] != "prompt:planning" || keys[1] != "prompt:reflect" {
		t.Errorf("got %v", keys)
	}
}
