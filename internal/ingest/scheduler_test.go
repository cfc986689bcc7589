package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/FranksOps/poolfeed/internal/listing"
	"github.com/FranksOps/poolfeed/internal/source"
)

func TestNewScheduler_Validates(t *testing.T) {
	r, _ := newTestRunner(t, Config{})
	tests := []struct {
		name string
		sch  Schedule
	}{
		{"no marketplace", Schedule{Query: "x", Interval: time.Minute}},
		{"no interval", Schedule{Marketplace: listing.Generic, Query: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewScheduler(r, []Schedule{tt.sch}, discard()); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestScheduler_RunsRepeatedly(t *testing.T) {
	a := &fakeAdapter{m: listing.Generic, records: []source.RawListing{widget}}
	r, store := newTestRunner(t, Config{}, a)

	s, err := NewScheduler(r, []Schedule{{Marketplace: listing.Generic, Query: "widget", Limit: 5, Interval: 20 * time.Millisecond}}, discard())
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var runs []*Summary
	s.OnSummary = func(sch Schedule, sum *Summary, err error) {
		if sch.Name != "generic:widget" {
			t.Errorf("default schedule name = %q", sch.Name)
		}
		mu.Lock()
		runs = append(runs, sum)
		mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Millisecond)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(runs) < 2 {
		t.Fatalf("expected at least 2 runs, got %d", len(runs))
	}
	if runs[0].Created != 1 || runs[1].Updated != 1 {
		t.Errorf("unexpected summaries %+v %+v", runs[0], runs[1])
	}
	if store.Len() != 1 {
		t.Errorf("expected one listing, got %d", store.Len())
	}
}

func TestScheduler_NoSchedulesWaitsForCancel(t *testing.T) {
	r, _ := newTestRunner(t, Config{})
	s, err := NewScheduler(r, nil, discard())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
