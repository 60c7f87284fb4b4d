package plansync

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestMemoryProvider_SaveLoad(t *testing.T) {
	p := NewMemoryProvider()
	ctx := context.Background()

	if _, err := p.Load(ctx, "u1"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("expected ErrSnapshotNotFound, got %v", err)
	}

	snap := testSnapshot()
	if err := p.Save(ctx, "u1", snap); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := p.Load(ctx, "u1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != len(snap) {
		t.Errorf("expected %d keys, got %d", len(snap), len(loaded))
	}
}

func TestProvider_ProbeIdempotent(t *testing.T) {
	dir := t.TempDir()
	providers := []Provider{
		NewMemoryProvider(),
		mustFileProvider(t, dir),
	}

	for _, p := range providers {
		ctx := context.Background()
		if err := p.Probe(ctx); err != nil {
			t.Fatalf("%s: first probe: %v", p.Name(), err)
		}
		if err := p.Probe(ctx); err != nil {
			t.Fatalf("%s: second probe: %v", p.Name(), err)
		}
	}
}

func mustFileProvider(t *testing.T, dir string) *FileProvider {
	t.Helper()
	p, err := NewFileProvider(FileProviderConfig{Dir: dir}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestFileProvider_SaveLoad(t *testing.T) {
	p := mustFileProvider(t, t.TempDir())
	ctx := context.Background()

	if err := p.Probe(ctx); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if _, err := p.Load(ctx, "u1"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("expected ErrSnapshotNotFound, got %v", err)
	}

	snap := testSnapshot()
	if err := p.Save(ctx, "u1", snap); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := p.Load(ctx, "u1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(loaded["goals"].Value) != string(snap["goals"].Value) {
		t.Error("round trip mismatch")
	}
}

func TestFileProvider_RejectsPathTraversal(t *testing.T) {
	p := mustFileProvider(t, t.TempDir())
	if err := p.Save(context.Background(), "../../etc/passwd", Snapshot{}); err == nil {
		t.Error("expected traversal to be rejected")
	}
}

func TestSQLiteProvider_SaveLoad(t *testing.T) {
	p, err := NewSQLiteProvider(SQLiteProviderConfig{
		Path: filepath.Join(t.TempDir(), "sync.db"),
	}, nil)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	defer p.Close()

	ctx := context.Background()
	if err := p.Probe(ctx); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if err := p.Probe(ctx); err != nil {
		t.Fatalf("re-probe: %v", err)
	}

	if _, err := p.Load(ctx, "u1"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("expected ErrSnapshotNotFound, got %v", err)
	}

	snap := testSnapshot()
	if err := p.Save(ctx, "u1", snap); err != nil {
		t.Fatalf("save: %v", err)
	}
	// Overwrite with a newer snapshot; one row per user.
	snap["extra"] = rec("extra", "x", 1, "dev-1")
	if err := p.Save(ctx, "u1", snap); err != nil {
		t.Fatalf("second save: %v", err)
	}

	loaded, err := p.Load(ctx, "u1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 3 {
		t.Errorf("expected 3 keys, got %d", len(loaded))
	}
}

func TestSQLiteProvider_ClosedErrors(t *testing.T) {
	p, err := NewSQLiteProvider(SQLiteProviderConfig{
		Path: filepath.Join(t.TempDir(), "sync.db"),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := p.Save(context.Background(), "u1", Snapshot{}); err == nil {
		t.Error("expected save on closed provider to fail")
	}
}

func failingDescriptor(name string, priority int) ProviderDescriptor {
	return ProviderDescriptor{
		Name:     name,
		Priority: priority,
		New: func() (Provider, error) {
			p := NewMemoryProvider()
			p.FailProbe = true
			return p, nil
		},
	}
}

func workingDescriptor(name string, priority int, p *MemoryProvider) ProviderDescriptor {
	return ProviderDescriptor{
		Name:     name,
		Priority: priority,
		New:      func() (Provider, error) { return p, nil },
	}
}

func TestSelector_PicksFirstWorkingByPriority(t *testing.T) {
	second := NewMemoryProvider()
	third := NewMemoryProvider()

	// Registered out of order; priority decides probing order.
	sel := NewSelector(DefaultSelectorConfig(), []ProviderDescriptor{
		workingDescriptor("third", 30, third),
		failingDescriptor("first", 10),
		workingDescriptor("second", 20, second),
	})

	p, err := sel.Select(context.Background())
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if p != second {
		t.Errorf("expected priority-20 provider, got %s", p.Name())
	}
	if third.Users() != 0 {
		t.Error("later descriptor should not have been probed")
	}
	if _, ok := sel.Failures()["first"]; !ok {
		t.Error("expected failure recorded for first descriptor")
	}
}

func TestSelector_AllFail(t *testing.T) {
	var descriptors []ProviderDescriptor
	for i := 0; i < 5; i++ {
		descriptors = append(descriptors, failingDescriptor(string(rune('a'+i)), i))
	}
	sel := NewSelector(DefaultSelectorConfig(), descriptors)

	if _, err := sel.Select(context.Background()); !errors.Is(err, ErrAllProvidersFailed) {
		t.Fatalf("expected ErrAllProvidersFailed, got %v", err)
	}
	if len(sel.Failures()) != 5 {
		t.Errorf("expected 5 recorded failures, got %d", len(sel.Failures()))
	}
}

func TestSelector_CachesActiveUntilReset(t *testing.T) {
	probes := 0
	p := NewMemoryProvider()
	sel := NewSelector(DefaultSelectorConfig(), []ProviderDescriptor{{
		Name:     "counted",
		Priority: 1,
		New: func() (Provider, error) {
			probes++
			return p, nil
		},
	}})

	ctx := context.Background()
	if _, err := sel.Select(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := sel.Select(ctx); err != nil {
		t.Fatal(err)
	}
	if probes != 1 {
		t.Errorf("expected 1 construction, got %d", probes)
	}

	sel.Reset()
	if sel.Active() != nil {
		t.Error("expected no active provider after reset")
	}
	if _, err := sel.Select(ctx); err != nil {
		t.Fatal(err)
	}
	if probes != 2 {
		t.Errorf("expected reprobe after reset, got %d constructions", probes)
	}
}

func TestSelector_ProbeTimeout(t *testing.T) {
	sel := NewSelector(SelectorConfig{ProbeTimeout: 20 * time.Millisecond}, []ProviderDescriptor{{
		Name:     "hanging",
		Priority: 1,
		New:      func() (Provider, error) { return &hangingProvider{}, nil },
	}})

	start := time.Now()
	_, err := sel.Select(context.Background())
	if !errors.Is(err, ErrAllProvidersFailed) {
		t.Fatalf("expected ErrAllProvidersFailed, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("probe was not bounded by timeout, took %v", elapsed)
	}
}

// hangingProvider blocks Probe until the context expires.
type hangingProvider struct{ MemoryProvider }

func (h *hangingProvider) Probe(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}
