package record_test

import (
	"strings"
	"testing"

	"pkt.systems/assetlock/record"
)

func TestFromPathNormalizes(t *testing.T) {
	t.Parallel()

	rec := record.FromPath("a1", `./Art\hero.psd`)
	if rec.Path != "Art/hero.psd" {
		t.Fatalf("unexpected path %q", rec.Path)
	}
	if rec.Name != "hero.psd" {
		t.Fatalf("unexpected name %q", rec.Name)
	}
	if !rec.Valid() {
		t.Fatal("expected record to be valid")
	}
	if rec.Locked {
		t.Fatal("expected new record to be unlocked")
	}
}

func TestZeroRecordIsInvalid(t *testing.T) {
	t.Parallel()

	if (record.Record{}).Valid() {
		t.Fatal("zero record must not be valid")
	}
	if record.FromID("  ").Valid() {
		t.Fatal("blank id must not be valid")
	}
}

func TestResetClearsLockFields(t *testing.T) {
	t.Parallel()

	rec := record.FromPath("a1", "a.psd").WithLock("L1", "alice", "2024-01-02T03:04:05Z")
	if !rec.LockedBy("alice") || rec.LockedBy("bob") {
		t.Fatalf("unexpected ownership for %+v", rec)
	}
	if !rec.LockedByOther("bob") {
		t.Fatal("expected lock to be held by another user from bob's view")
	}
	reset := rec.Reset()
	if reset.Locked || reset.LockID != "" || reset.Owner != "" || reset.LockedAt != "" {
		t.Fatalf("reset left lock fields: %+v", reset)
	}
	if reset.ID != "a1" || reset.Path != "a.psd" {
		t.Fatalf("reset changed identity: %+v", reset)
	}
}

func TestNormalizeClearsStaleLockFields(t *testing.T) {
	t.Parallel()

	rec := record.Record{ID: "a1", Path: "dir/../b.png", LockID: "L9", Owner: "alice"}.Normalize()
	if rec.Path != "b.png" || rec.Name != "b.png" {
		t.Fatalf("unexpected path/name %q/%q", rec.Path, rec.Name)
	}
	if rec.LockID != "" || rec.Owner != "" {
		t.Fatalf("unlocked record kept lock fields: %+v", rec)
	}
}

func TestWithPathKeepsLock(t *testing.T) {
	t.Parallel()

	rec := record.FromPath("a1", "old/a.psd").WithLock("L1", "alice", "t").WithPath("new/b.psd")
	if rec.Path != "new/b.psd" || rec.Name != "b.psd" {
		t.Fatalf("unexpected path %+v", rec)
	}
	if !rec.LockedBy("alice") || rec.LockID != "L1" {
		t.Fatalf("lock fields lost: %+v", rec)
	}
}

func TestTuplesRoundTripPreservesOrder(t *testing.T) {
	t.Parallel()

	in := []record.Record{
		record.FromPath("b", "z.psd").WithLock("L2", "bob", "2024-05-01T00:00:00Z"),
		record.FromPath("a", "a.psd"),
	}
	data, err := record.EncodeTuples(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.HasPrefix(string(data), `[["b","z.psd","z.psd",true,"L2","bob",`) {
		t.Fatalf("unexpected tuple layout: %s", data)
	}
	out, dropped, err := record.DecodeTuples(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dropped != 0 {
		t.Fatalf("unexpected dropped count %d", dropped)
	}
	if len(out) != 2 || out[0] != in[0] || out[1] != in[1] {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func TestDecodeTuplesSkipsInvalidEntries(t *testing.T) {
	t.Parallel()

	data := []byte(`[
		["a","a.psd","a.psd",false,"","",""],
		["","nope.psd","nope.psd",false,"","",""],
		["b","b.psd"],
		["c","c.psd","c.psd","yes","","",""]
	]`)
	out, dropped, err := record.DecodeTuples(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 || out[0].ID != "a" {
		t.Fatalf("unexpected records %+v", out)
	}
	if dropped != 3 {
		t.Fatalf("expected 3 dropped, got %d", dropped)
	}
}

func TestDecodeTuplesRejectsGarbage(t *testing.T) {
	t.Parallel()

	if _, _, err := record.DecodeTuples([]byte(`{"not":"a list"}`)); err == nil {
		t.Fatal("expected error for non-list payload")
	}
	out, dropped, err := record.DecodeTuples(nil)
	if err != nil || out != nil || dropped != 0 {
		t.Fatalf("empty input: %v %v %d", out, err, dropped)
	}
}
