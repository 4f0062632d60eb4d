package ratelimit

import (
	"context"
	"testing"

	"github.com/ignite/mail-relay/internal/store"
)

type fakeCounter struct {
	counts map[int64]int // sinceTS -> count
}

func (f *fakeCounter) CountSendsSince(_ context.Context, _ string, sinceTS int64) (int, error) {
	return f.counts[sinceTS], nil
}

func acct(perMinute, perHour, perDay int, behavior string) store.Account {
	return store.Account{
		PK:             "apk-1",
		LimitPerMinute: perMinute,
		LimitPerHour:   perHour,
		LimitPerDay:    perDay,
		LimitBehavior:  behavior,
	}
}

func TestPlanUnlimitedNeverDefers(t *testing.T) {
	p := New(&fakeCounter{counts: map[int64]int{}})
	plan, err := p.Plan(context.Background(), acct(0, 0, 0, store.LimitDefer), 1000)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if !plan.OK() {
		t.Errorf("plan = %+v, want proceed", plan)
	}
}

func TestPlanDefersToNextWindowBoundary(t *testing.T) {
	// One send already in the current minute window; limit is 1.
	p := New(&fakeCounter{counts: map[int64]int{940: 1}})
	plan, err := p.Plan(context.Background(), acct(1, 0, 0, store.LimitDefer), 1000)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.OK() {
		t.Fatal("plan should defer")
	}
	// ceil(1000/60)*60 = 1020
	if plan.DeferUntil != 1020 {
		t.Errorf("DeferUntil = %d, want 1020", plan.DeferUntil)
	}
	if plan.Reject {
		t.Error("defer behavior should not reject")
	}
}

func TestPlanPicksMaxBoundaryAcrossViolatedWindows(t *testing.T) {
	// Both minute and hour windows are exhausted.
	p := New(&fakeCounter{counts: map[int64]int{
		7140: 5,  // 7200 - 60
		3600: 50, // 7200 - 3600
	}})
	plan, err := p.Plan(context.Background(), acct(5, 50, 0, store.LimitDefer), 7200)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	// Minute boundary is 7260, hour boundary is 10800; max wins.
	if plan.DeferUntil != 10800 {
		t.Errorf("DeferUntil = %d, want 10800", plan.DeferUntil)
	}
}

func TestPlanRejectBehavior(t *testing.T) {
	p := New(&fakeCounter{counts: map[int64]int{940: 1}})
	plan, err := p.Plan(context.Background(), acct(1, 0, 0, store.LimitReject), 1000)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if !plan.Reject {
		t.Error("reject behavior should set Reject")
	}
}

func TestPlanCountsInflightReservations(t *testing.T) {
	p := New(&fakeCounter{counts: map[int64]int{}})
	a := acct(2, 0, 0, store.LimitDefer)

	// Two reservations fill the window even with an empty send log.
	for i := 0; i < 2; i++ {
		plan, err := p.Plan(context.Background(), a, 1000)
		if err != nil {
			t.Fatalf("Plan: %v", err)
		}
		if !plan.OK() {
			t.Fatalf("reservation %d should proceed", i)
		}
	}
	plan, err := p.Plan(context.Background(), a, 1000)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.OK() {
		t.Fatal("third concurrent send should defer")
	}

	// Releasing a slot frees capacity again.
	p.Release(a.PK)
	plan, err = p.Plan(context.Background(), a, 1000)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if !plan.OK() {
		t.Error("plan after release should proceed")
	}
}
