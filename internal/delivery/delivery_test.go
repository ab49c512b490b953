package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"parcel/internal/archive"
	"parcel/internal/dispatch"
	"parcel/internal/faults"
	"parcel/internal/logging"
	"parcel/internal/split"
)

func makeParts(n int) []split.Part {
	parts := make([]split.Part, n)
	for i := range parts {
		parts[i] = split.Part{
			Index:    i,
			Total:    n,
			Path:     fmt.Sprintf("/tmp/x.zip.%d", i+1),
			Size:     int64(20 - i),
			Filename: fmt.Sprintf("x.zip.%dof%d", i+1, n),
		}
	}
	return parts
}

func at(hh, mm, ss int) time.Time {
	return time.Date(2026, 10, 18, hh, mm, ss, 0, time.UTC)
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestJitterForIsPureAndBounded(t *testing.T) {
	for index := range 50 {
		j := JitterFor(42, index, 2, 6)
		if j < 2 || j > 6 {
			t.Fatalf("jitter %d out of [2,6]", j)
		}
		if again := JitterFor(42, index, 2, 6); again != j {
			t.Fatalf("JitterFor not deterministic: %d vs %d", j, again)
		}
	}
	if j := JitterFor(7, 3, 4, 4); j != 4 {
		t.Fatalf("degenerate window should return low, got %d", j)
	}
}

func TestPlanTriggersDistinctAndIncreasing(t *testing.T) {
	base := at(21, 31, 0)
	for seed := uint64(1); seed < 200; seed++ {
		triggers := PlanTriggers(base, 5, 0, 4, seed)
		if len(triggers) != 5 {
			t.Fatalf("got %d triggers", len(triggers))
		}
		for i, tr := range triggers {
			if tr.Before(base.Add(time.Duration(i) * time.Minute)) {
				t.Fatalf("seed %d: trigger %d at %s precedes base+%d", seed, i, tr, i)
			}
			if i > 0 && !tr.After(triggers[i-1]) {
				t.Fatalf("seed %d: triggers not strictly increasing: %v", seed, triggers)
			}
		}
	}
}

func TestPlanTriggersScenarioA(t *testing.T) {
	base := at(21, 31, 0)
	triggers := PlanTriggers(base, 3, 0, 4, 99)
	seen := map[time.Time]bool{}
	for i, tr := range triggers {
		offset := int(tr.Sub(base) / time.Minute)
		if offset < i || offset > i+4 {
			t.Fatalf("part %d offset %d outside jitter window", i, offset)
		}
		if seen[tr] {
			t.Fatalf("duplicate trigger minute %s", tr)
		}
		seen[tr] = true
	}
}

func TestSubmitSinglePartCompletesImmediately(t *testing.T) {
	rec := &dispatch.Recorder{}
	sched := NewScheduler(rec, Timing{BaseOffsetMinutes: 5}, logging.NewNop())

	var completed []Snapshot
	snap, err := sched.Submit(context.Background(), Job{
		Source:     "inbox",
		Subject:    "inbox 2026-10-17",
		Archive:    archive.Archive{OutputPath: "/tmp/x.zip", Size: 10},
		Parts:      makeParts(1),
		OnComplete: func(s Snapshot) { completed = append(completed, s) },
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if snap.State != Complete {
		t.Fatalf("state = %s, want complete", snap.State)
	}
	if len(snap.Triggers) != 0 {
		t.Fatalf("single part job should have no triggers, got %v", snap.Triggers)
	}
	calls := rec.Calls()
	if len(calls) != 1 || calls[0].Subject != "inbox 2026-10-17" {
		t.Fatalf("unexpected calls %+v", calls)
	}
	if len(completed) != 1 || !completed[0].Delivered() {
		t.Fatalf("completion callback not run with delivered snapshot: %+v", completed)
	}
	if n := sched.Tick(at(23, 59, 0)); n != 0 {
		t.Fatalf("completed job fired again: %d", n)
	}
}

func TestTickDispatchesInOrderAndSelfCancels(t *testing.T) {
	rec := &dispatch.Recorder{}
	clock := at(10, 0, 30)
	sched := NewScheduler(rec, Timing{BaseOffsetMinutes: 1}, nil, WithClock(func() time.Time { return clock }))

	done := make(chan Snapshot, 1)
	snap, err := sched.Submit(context.Background(), Job{
		Source:     "inbox",
		Subject:    "inbox 2026-10-17",
		Parts:      makeParts(3),
		OnComplete: func(s Snapshot) { done <- s },
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if snap.State != Scheduled {
		t.Fatalf("state = %s, want scheduled", snap.State)
	}
	want := []time.Time{at(10, 1, 0), at(10, 2, 0), at(10, 3, 0)}
	for i := range want {
		if !snap.Triggers[i].Equal(want[i]) {
			t.Fatalf("triggers = %v, want %v", snap.Triggers, want)
		}
	}

	steps := []struct {
		now  time.Time
		want int
	}{
		{at(10, 0, 45), 0},
		{at(10, 1, 0), 1},
		{at(10, 1, 40), 0},
		{at(10, 2, 5), 1},
		{at(10, 3, 59), 1},
		{at(10, 4, 0), 0},
		{at(11, 0, 0), 0},
	}
	for _, step := range steps {
		if got := sched.Tick(step.now); got != step.want {
			t.Fatalf("Tick(%s) handed %d parts, want %d", step.now.Format("15:04:05"), got, step.want)
		}
		if step.now.Equal(at(10, 1, 0)) {
			if s, _ := sched.Job(snap.ID); s.State != Draining {
				t.Fatalf("state after first trigger = %s, want draining", s.State)
			}
		}
	}

	select {
	case final := <-done:
		if final.State != Complete || len(final.Outcomes) != 3 {
			t.Fatalf("unexpected final snapshot %+v", final)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("job did not complete")
	}

	calls := rec.Calls()
	if len(calls) != 3 {
		t.Fatalf("expected 3 dispatches, got %d", len(calls))
	}
	for i, call := range calls {
		wantName := fmt.Sprintf("x.zip.%dof3", i+1)
		if call.Attachments[0].Filename != wantName {
			t.Fatalf("dispatch %d carried %s, want %s", i, call.Attachments[0].Filename, wantName)
		}
		if call.Subject != fmt.Sprintf("inbox 2026-10-17 (%d/3)", i+1) {
			t.Fatalf("dispatch %d subject %q", i, call.Subject)
		}
	}
}

func TestMissedMinutesFireOncePerTick(t *testing.T) {
	rec := &dispatch.Recorder{}
	sched := NewScheduler(rec, Timing{BaseOffsetMinutes: 1}, nil, WithClock(func() time.Time { return at(10, 0, 0) }))
	if _, err := sched.Submit(context.Background(), Job{Source: "inbox", Parts: makeParts(3)}); err != nil {
		t.Fatal(err)
	}

	late := at(14, 0, 0)
	for i := range 3 {
		if got := sched.Tick(late); got != 1 {
			t.Fatalf("tick %d handed %d parts, want 1", i, got)
		}
	}
	if got := sched.Tick(late); got != 0 {
		t.Fatalf("extra tick handed %d parts", got)
	}
	if err := sched.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if len(rec.Calls()) != 3 {
		t.Fatalf("expected 3 dispatches, got %d", len(rec.Calls()))
	}
}

func TestFailedPartDoesNotHaltJob(t *testing.T) {
	rec := &dispatch.Recorder{Fail: func(call int, _ []dispatch.Attachment) error {
		if call == 1 {
			return errors.New("451 try again later")
		}
		return nil
	}}
	sched := NewScheduler(rec, Timing{}, nil, WithClock(func() time.Time { return at(9, 0, 0) }))

	var mu sync.Mutex
	var final Snapshot
	snap, err := sched.Submit(context.Background(), Job{
		Source: "inbox",
		Parts:  makeParts(3),
		OnComplete: func(s Snapshot) {
			mu.Lock()
			final = s
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, tr := range snap.Triggers {
		sched.Tick(tr)
	}
	if err := sched.Wait(waitCtx(t)); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if final.State != Complete {
		t.Fatalf("state = %s, want complete", final.State)
	}
	if len(final.Outcomes) != 3 || final.Failed() != 1 || final.Delivered() {
		t.Fatalf("unexpected outcomes %+v", final.Outcomes)
	}
	if final.Outcomes[1].PartIndex != 1 || final.Outcomes[1].OK() {
		t.Fatalf("part 2 should be the failed one: %+v", final.Outcomes[1])
	}
	if len(rec.Calls()) != 3 {
		t.Fatalf("parts 1 and 3 must still be dispatched, got %d calls", len(rec.Calls()))
	}
}

func TestSubmitValidatesParts(t *testing.T) {
	sched := NewScheduler(&dispatch.Recorder{}, Timing{}, nil)
	if _, err := sched.Submit(context.Background(), Job{}); !errors.Is(err, faults.ErrDelivery) {
		t.Fatalf("expected ErrDelivery for empty job, got %v", err)
	}
	parts := makeParts(3)
	_, err := sched.Submit(context.Background(), Job{Parts: []split.Part{parts[0], parts[2]}})
	if faults.Kind(err) != "delivery" {
		t.Fatalf("gap in parts classified as %q: %v", faults.Kind(err), err)
	}
	if _, err := sched.Submit(context.Background(), Job{ID: "dup", Parts: makeParts(2)}); err != nil {
		t.Fatal(err)
	}
	if _, err := sched.Submit(context.Background(), Job{ID: "dup", Parts: makeParts(2)}); err == nil {
		t.Fatal("expected error for duplicate job id")
	}
	sched.Stop()
}

func TestJobsSnapshotOrder(t *testing.T) {
	sched := NewScheduler(&dispatch.Recorder{}, Timing{}, nil)
	for _, id := range []string{"a", "b", "c"} {
		if _, err := sched.Submit(context.Background(), Job{ID: id, Parts: makeParts(1)}); err != nil {
			t.Fatal(err)
		}
	}
	jobs := sched.Jobs()
	if len(jobs) != 3 || jobs[0].ID != "a" || jobs[2].ID != "c" {
		t.Fatalf("unexpected jobs %+v", jobs)
	}
}

func TestUntilNextMinute(t *testing.T) {
	if d := UntilNextMinute(at(10, 0, 15)); d != 45*time.Second {
		t.Fatalf("UntilNextMinute = %s", d)
	}
	if d := UntilNextMinute(at(10, 0, 0)); d != time.Minute {
		t.Fatalf("UntilNextMinute on boundary = %s", d)
	}
}
