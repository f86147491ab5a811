package storage

import (
	"errors"
	"testing"
)

func TestMemDBRoundTrip(t *testing.T) {
	db := NewMemDB()

	if _, err := db.Get([]byte("missing")); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("missing key, got %v", err)
	}
	if err := db.Put([]byte("repo/1"), []byte("a")); err != nil {
		t.Fatalf("put: %v", err)
	}
	value, err := db.Get([]byte("repo/1"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(value) != "a" {
		t.Fatalf("value = %q", value)
	}
	if err := db.Delete([]byte("repo/1")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.Get([]byte("repo/1")); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("deleted key, got %v", err)
	}
}

func TestMemDBCopiesValues(t *testing.T) {
	db := NewMemDB()
	payload := []byte("original")
	if err := db.Put([]byte("k"), payload); err != nil {
		t.Fatalf("put: %v", err)
	}
	payload[0] = 'X'

	stored, err := db.Get([]byte("k"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(stored) != "original" {
		t.Fatalf("stored value aliased the caller's buffer: %q", stored)
	}
	stored[0] = 'Y'
	again, _ := db.Get([]byte("k"))
	if string(again) != "original" {
		t.Fatalf("returned value aliased the store: %q", again)
	}
}

func TestMemDBIteratePrefix(t *testing.T) {
	db := NewMemDB()
	pairs := map[string]string{
		"repo/1": "a",
		"repo/2": "b",
		"lock/1": "c",
	}
	for k, v := range pairs {
		if err := db.Put([]byte(k), []byte(v)); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}

	var keys []string
	err := db.Iterate([]byte("repo/"), func(key, value []byte) error {
		keys = append(keys, string(key))
		return nil
	})
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(keys) != 2 || keys[0] != "repo/1" || keys[1] != "repo/2" {
		t.Fatalf("unexpected keys: %v", keys)
	}
}

func TestMemDBIterateStopsOnError(t *testing.T) {
	db := NewMemDB()
	for _, k := range []string{"a/1", "a/2", "a/3"} {
		if err := db.Put([]byte(k), []byte("v")); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	boom := errors.New("boom")
	seen := 0
	err := db.Iterate([]byte("a/"), func(key, value []byte) error {
		seen++
		if seen == 2 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("iterate should surface the callback error, got %v", err)
	}
	if seen != 2 {
		t.Fatalf("iteration should stop at the error, saw %d", seen)
	}
}
