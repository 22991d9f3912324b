package permission

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestGateCheck(t *testing.T) {
	ctx := context.Background()
	gate := getGate(t, &MemStore{})

	if err := gate.Register(ctx, "uid-aaaaaa", true, nil); nil != err {
		t.Fatalf("failed Register, got error %v", err)
	}
	if err := gate.Register(ctx, "uid-bbbbbb", false, json.RawMessage(`{"note":"suspended"}`)); nil != err {
		t.Fatalf("failed Register, got error %v", err)
	}

	testcases := []struct {
		uniqueId string
		expect   Decision
	}{
		{uniqueId: "uid-aaaaaa", expect: Decision{Authorized: true, Reason: ReasonAuthorized}},
		{uniqueId: "uid-bbbbbb", expect: Decision{Authorized: false, Reason: ReasonNotAuthorized}},
		{uniqueId: "uid-cccccc", expect: Decision{Authorized: false, Reason: ReasonNotFound}},
	}
	for _, tc := range testcases {
		decision, err := gate.Check(ctx, tc.uniqueId)
		if nil != err {
			t.Fatalf("%s: failed Check, got error %v", tc.uniqueId, err)
		}
		if tc.expect != decision {
			t.Errorf("%s: decision %+v != %+v", tc.uniqueId, decision, tc.expect)
		}
	}
}

func TestGateRegisterLastWriteWins(t *testing.T) {
	ctx := context.Background()
	store := &MemStore{}
	gate := getGate(t, store)

	for _, allowed := range []bool{true, false, true, true, false} {
		if err := gate.Register(ctx, "uid-abcdef", allowed, nil); nil != err {
			t.Fatalf("failed Register, got error %v", err)
		}
	}
	decision, _ := gate.Check(ctx, "uid-abcdef")
	if decision.Authorized || ReasonNotAuthorized != decision.Reason {
		t.Errorf("unexpected decision %+v", decision)
	}

	// idempotent
	gate.Register(ctx, "uid-abcdef", true, json.RawMessage(`"vip"`))
	gate.Register(ctx, "uid-abcdef", true, json.RawMessage(`"vip"`))
	rec, err := store.LoadRecord(ctx, "uid-abcdef")
	if nil != err {
		t.Fatalf("failed LoadRecord, got error %v", err)
	}
	if !rec.Allowed || `"vip"` != string(rec.Meta) {
		t.Errorf("unexpected record %+v", rec)
	}
}

func TestGateRegisterInvalid(t *testing.T) {
	gate := getGate(t, &MemStore{})
	if err := gate.Register(context.Background(), "", true, nil); nil == err {
		t.Error("Register accepted empty uniqueId")
	}
	if err := gate.Register(context.Background(), "uid-1", true, json.RawMessage("{")); nil == err {
		t.Error("Register accepted invalid meta")
	}
}

type brokenStore struct{}

func (_ brokenStore) LoadRecord(_ context.Context, _ string) (Record, error) {
	return Record{}, errors.New("connection refused")
}

func (_ brokenStore) SaveRecord(_ context.Context, _ Record) error {
	return errors.New("connection refused")
}

func TestGateStoreFailure(t *testing.T) {
	gate := getGate(t, brokenStore{})
	if _, err := gate.Check(context.Background(), "uid-1"); nil == err {
		t.Error("Check hid a store failure")
	}
}

func TestMemStoreNotFound(t *testing.T) {
	_, err := (&MemStore{}).LoadRecord(context.Background(), "nobody")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func getGate(t *testing.T, store Store) *Gate {
	gate, err := NewGate(store)
	if nil != err {
		t.Fatalf("failed NewGate, got error %v", err)
	}
	return gate
}
