package idgen

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestUUIDv7(t *testing.T) {
	id := UUIDv7()()
	u, err := uuid.Parse(id)
	if err != nil {
		t.Fatalf("parse %q: %v", id, err)
	}
	if u.Version() != 7 {
		t.Fatalf("version = %d, want 7", u.Version())
	}
}

func TestPrefixed(t *testing.T) {
	id := Prefixed(AuditPrefix, Default)()
	if !strings.HasPrefix(id, "aud_") {
		t.Fatalf("id %q missing prefix", id)
	}
	if New() == New() {
		t.Fatal("New returned duplicate ids")
	}
}

func TestTime(t *testing.T) {
	before := time.Now().Add(-time.Second)
	got, err := Time(Prefixed(RequestPrefix, Default)())
	if err != nil {
		t.Fatal(err)
	}
	if got.Before(before) || got.After(time.Now().Add(time.Second)) {
		t.Fatalf("Time = %v, want about now", got)
	}

	if _, err := Time(uuid.NewString()); err == nil {
		t.Fatal("v4 uuid should be rejected")
	}
	if _, err := Time("req_not-an-id"); err == nil {
		t.Fatal("garbage should be rejected")
	}
}
