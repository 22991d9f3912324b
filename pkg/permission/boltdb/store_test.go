package boltdb

import (
	"context"
	"encoding/json"
	"errors"
	"path"
	"testing"

	"code.savanna.org/golang/pkg/permission"
)

func TestSaveLoadRecord(t *testing.T) {
	ctx := context.Background()
	dbPath := path.Join(t.TempDir(), "app.db")
	store, err := New(dbPath)
	if nil != err {
		t.Fatalf("failed New, got error %v", err)
	}

	_, err = store.LoadRecord(ctx, "uid-000000")
	if !errors.Is(err, permission.ErrNotFound) {
		t.Errorf("expected permission.ErrNotFound, got %v", err)
	}

	rec := permission.Record{UniqueId: "uid-123abc", Allowed: true, Meta: json.RawMessage(`{"tier":2}`)}
	if err = store.SaveRecord(ctx, rec); nil != err {
		t.Fatalf("failed SaveRecord, got error %v", err)
	}
	rec.Allowed = false
	if err = store.SaveRecord(ctx, rec); nil != err {
		t.Fatalf("failed second SaveRecord, got error %v", err)
	}
	store.Close()

	// records survive restart
	store, err = New(dbPath)
	if nil != err {
		t.Fatalf("failed reopening, got error %v", err)
	}
	defer store.Close()

	loaded, err := store.LoadRecord(ctx, "uid-123abc")
	if nil != err {
		t.Fatalf("failed LoadRecord, got error %v", err)
	}
	if loaded.Allowed || `{"tier":2}` != string(loaded.Meta) || "uid-123abc" != loaded.UniqueId {
		t.Errorf("unexpected record %+v", loaded)
	}

	if err = store.SaveRecord(ctx, permission.Record{}); nil == err {
		t.Error("SaveRecord accepted empty UniqueId")
	}
}

func TestGateWithStore(t *testing.T) {
	ctx := context.Background()
	store, err := New(path.Join(t.TempDir(), "app.db"))
	if nil != err {
		t.Fatalf("failed New, got error %v", err)
	}
	defer store.Close()

	gate, _ := permission.NewGate(store)
	gate.Register(ctx, "uid-allowed", true, nil)
	gate.Register(ctx, "uid-denied", false, nil)

	for uid, reason := range map[string]permission.Reason{
		"uid-allowed": permission.ReasonAuthorized,
		"uid-denied":  permission.ReasonNotAuthorized,
		"uid-unknown": permission.ReasonNotFound,
	} {
		decision, err := gate.Check(ctx, uid)
		if nil != err {
			t.Fatalf("%s: failed Check, got error %v", uid, err)
		}
		if reason != decision.Reason {
			t.Errorf("%s: reason %s != %s", uid, decision.Reason, reason)
		}
	}
}
