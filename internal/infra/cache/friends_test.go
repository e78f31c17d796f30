package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"go.uber.org/goleak"

	"github.com/tutu-network/gridcoin/internal/domain"
	"github.com/tutu-network/gridcoin/internal/infra/logging"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countingGraph struct {
	calls atomic.Int32
	count int
	err   error
}

func (g *countingGraph) FriendCountOnProject(context.Context, domain.UserID, string) (int, error) {
	g.calls.Add(1)
	return g.count, g.err
}

func newTestGraph(t *testing.T, next domain.FriendGraph) *FriendGraph {
	t.Helper()
	g, err := NewFriendGraph(context.Background(), DefaultConfig(), next, logging.Nop())
	if err != nil {
		t.Fatalf("NewFriendGraph() error: %v", err)
	}
	t.Cleanup(func() { g.Close() })
	return g
}

func TestFriendGraph_CachesCounts(t *testing.T) {
	next := &countingGraph{count: 12}
	g := newTestGraph(t, next)
	ctx := context.Background()

	for range 3 {
		n, err := g.FriendCountOnProject(ctx, 1, "rosetta")
		if err != nil {
			t.Fatalf("FriendCountOnProject() error: %v", err)
		}
		if n != 12 {
			t.Errorf("count = %d, want 12", n)
		}
	}
	if got := next.calls.Load(); got != 1 {
		t.Errorf("underlying calls = %d, want 1", got)
	}

	// Different project and user are separate entries.
	g.FriendCountOnProject(ctx, 1, "einstein")
	g.FriendCountOnProject(ctx, 2, "rosetta")
	if got := next.calls.Load(); got != 3 {
		t.Errorf("underlying calls = %d, want 3", got)
	}
	if g.Len() != 3 {
		t.Errorf("Len() = %d, want 3", g.Len())
	}
}

func TestFriendGraph_Invalidate(t *testing.T) {
	next := &countingGraph{count: 4}
	g := newTestGraph(t, next)
	ctx := context.Background()

	g.FriendCountOnProject(ctx, 1, "rosetta")
	next.count = 5
	g.Invalidate(1, "rosetta")
	g.Invalidate(9, "never-cached")

	n, _ := g.FriendCountOnProject(ctx, 1, "rosetta")
	if n != 5 {
		t.Errorf("count after Invalidate = %d, want 5", n)
	}

	if err := g.Reset(); err != nil {
		t.Fatalf("Reset() error: %v", err)
	}
	if g.Len() != 0 {
		t.Errorf("Len() after Reset = %d", g.Len())
	}
}

func TestFriendGraph_ErrorsNotCached(t *testing.T) {
	boom := errors.New("db down")
	next := &countingGraph{err: boom}
	g := newTestGraph(t, next)
	ctx := context.Background()

	if _, err := g.FriendCountOnProject(ctx, 1, "rosetta"); !errors.Is(err, boom) {
		t.Fatalf("error = %v, want %v", err, boom)
	}
	next.err = nil
	next.count = 2
	n, err := g.FriendCountOnProject(ctx, 1, "rosetta")
	if err != nil || n != 2 {
		t.Errorf("FriendCountOnProject() = %d, %v; want 2, nil", n, err)
	}
}
