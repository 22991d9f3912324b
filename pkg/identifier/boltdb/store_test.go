package boltdb

import (
	"context"
	"path"
	"sync"
	"testing"

	"code.savanna.org/golang/pkg/identifier"
)

func TestNew(t *testing.T) {
	store, err := New(path.Join(t.TempDir(), "store.db"))
	if nil != err {
		t.Fatalf("failed New, got error %v", err)
	}
	defer store.Close()

	if 0 != store.Count() {
		t.Errorf("new store Count %d != 0", store.Count())
	}
}

func TestMappingSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dbPath := path.Join(t.TempDir(), "store.db")

	store, err := New(dbPath)
	if nil != err {
		t.Fatalf("failed New, got error %v", err)
	}
	svc, err := identifier.NewService(identifier.ServiceConfig{Store: store})
	if nil != err {
		t.Fatalf("failed NewService, got error %v", err)
	}
	first, err := svc.Analyze(ctx, []byte("INTEGRATION_TEST_PALM_7"))
	if nil != err {
		t.Fatalf("failed Analyze, got error %v", err)
	}
	if !first.IsNew {
		t.Error("first analysis is not new")
	}
	store.Close()

	store, err = New(dbPath)
	if nil != err {
		t.Fatalf("failed reopening, got error %v", err)
	}
	defer store.Close()
	svc, _ = identifier.NewService(identifier.ServiceConfig{Store: store})

	again, err := svc.Analyze(ctx, []byte("INTEGRATION_TEST_PALM_7"))
	if nil != err {
		t.Fatalf("failed Analyze after restart, got error %v", err)
	}
	if again.IsNew || again.Uid != first.Uid {
		t.Errorf("mapping lost across restart, %+v != %+v", again, first)
	}
}

func TestFindOrCreateConcurrent(t *testing.T) {
	ctx := context.Background()
	store, err := New(path.Join(t.TempDir(), "store.db"))
	if nil != err {
		t.Fatalf("failed New, got error %v", err)
	}
	defer store.Close()

	const workers = 8
	var wg sync.WaitGroup
	created := make([]bool, workers)
	uids := make([]string, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			uids[i], created[i], _ = store.FindOrCreate(ctx, "abcdef0123", "uid-abcdef")
		}()
	}
	wg.Wait()

	var n int
	for i := range workers {
		if created[i] {
			n += 1
		}
		if "uid-abcdef" != uids[i] {
			t.Errorf("#%d: uid %q", i, uids[i])
		}
	}
	if 1 != n || 1 != store.Count() {
		t.Errorf("mapping created %d times, Count %d", n, store.Count())
	}

	if _, _, err = store.FindOrCreate(ctx, "", "uid-"); nil == err {
		t.Error("FindOrCreate accepted empty hash")
	}
}
