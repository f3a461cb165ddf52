package pool

import (
	"context"
	"errors"
	"testing"

	"github.com/benbjohnson/clock"
)

func newTestPool(d Dialer) *Pool {
	return New(Config{Dialer: d, Clock: clock.NewMock()})
}

func TestPreparePartitionsInInputOrder(t *testing.T) {
	dialer := &stubDialer{}
	p := newTestPool(dialer)

	res := p.Prepare(context.Background(), []string{
		"wss://a.example.com",
		"wss://b.example.com",
		"wss://c.example.com",
	}, PrepareOptions{Wait: true})

	if res.Set == nil {
		t.Fatal("expected a relay set")
	}
	if got := res.Set.Size(); got != 3 {
		t.Fatalf("expected 3 members, got %d", got)
	}
	if len(res.Connected)+len(res.Pending) != 3 {
		t.Fatalf("partition does not cover members: connected=%v pending=%v", res.Connected, res.Pending)
	}
	if len(res.Connected) != 3 {
		t.Fatalf("expected all connected with a healthy dialer, got %v", res.Connected)
	}
	want := []string{"wss://a.example.com", "wss://b.example.com", "wss://c.example.com"}
	for i, u := range res.Connected {
		if u != want[i] {
			t.Fatalf("connected order mismatch at %d: got %v", i, res.Connected)
		}
	}
}

func TestPrepareFailedDialerReportsPending(t *testing.T) {
	dialer := &stubDialer{err: errors.New("connection refused")}
	p := newTestPool(dialer)

	res := p.Prepare(context.Background(), []string{"wss://down.example.com"}, PrepareOptions{Wait: true})
	if len(res.Connected) != 0 || len(res.Pending) != 1 {
		t.Fatalf("expected 0 connected / 1 pending, got %v / %v", res.Connected, res.Pending)
	}
	if res.Set == nil || res.Set.Size() != 1 {
		t.Fatal("failed endpoints still belong to the set")
	}
}

func TestPrepareDedupsEquivalentURLs(t *testing.T) {
	dialer := &stubDialer{}
	p := newTestPool(dialer)

	res := p.Prepare(context.Background(), []string{
		"wss://relay.example.com",
		"wss://relay.example.com/",
		"WSS://Relay.Example.Com",
		"wss://other.example.com",
	}, PrepareOptions{Wait: true})

	if got := res.Set.Size(); got != 2 {
		t.Fatalf("expected 2 members after dedup, got %d: %v", got, res.Set.Members())
	}
	if dialer.dialCount() != 2 {
		t.Fatalf("expected 2 dials after dedup, got %d", dialer.dialCount())
	}
}

func TestPrepareSameKeyForReorderedLists(t *testing.T) {
	dialer := &stubDialer{}
	p := newTestPool(dialer)

	res1 := p.Prepare(context.Background(), []string{"wss://a.example.com", "wss://b.example.com"}, PrepareOptions{Wait: true})
	res2 := p.Prepare(context.Background(), []string{"wss://b.example.com", "wss://a.example.com"}, PrepareOptions{Wait: true})

	if res1.Set.Key() != res2.Set.Key() {
		t.Fatalf("reordered lists produced different keys: %q vs %q", res1.Set.Key(), res2.Set.Key())
	}
	if res1.Set != res2.Set {
		t.Fatal("reordered lists did not share the cached set handle")
	}
}

func TestPrepareEmptyInput(t *testing.T) {
	dialer := &stubDialer{}
	p := newTestPool(dialer)

	res := p.Prepare(context.Background(), nil, PrepareOptions{Wait: true})
	if res.Set != nil {
		t.Fatal("expected nil set for empty input")
	}

	res = p.Prepare(context.Background(), []string{"", "not a url"}, PrepareOptions{Wait: true})
	if res.Set != nil {
		t.Fatal("expected nil set when no url survives normalization")
	}
}

func TestCheckBatch(t *testing.T) {
	dialer := &stubDialer{}
	p := newTestPool(dialer)

	successes, failures := p.CheckBatch(context.Background(), []string{
		"wss://a.example.com",
		"wss://b.example.com",
	})
	if successes != 2 || failures != 0 {
		t.Fatalf("expected 2/0, got %d/%d", successes, failures)
	}
}

func TestSetKey(t *testing.T) {
	k1 := SetKey([]string{"wss://b.example.com", "wss://a.example.com"})
	k2 := SetKey([]string{"wss://a.example.com", "wss://b.example.com", "wss://a.example.com"})
	if k1 != k2 {
		t.Fatalf("set keys differ: %q vs %q", k1, k2)
	}
	if k := SetKey(nil); k != "" {
		t.Fatalf("expected empty key for empty set, got %q", k)
	}
}

func TestPoolStats(t *testing.T) {
	dialer := &stubDialer{}
	p := newTestPool(dialer)
	p.Prepare(context.Background(), []string{"wss://a.example.com"}, PrepareOptions{Wait: true})

	if p.GetStatsName() != "pool" {
		t.Fatalf("unexpected stats name %q", p.GetStatsName())
	}
	if p.GetStats() == nil {
		t.Fatal("expected stats object")
	}
}
