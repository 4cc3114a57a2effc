package cs3

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/modelrail/mcp2515-sim/internal/can"
	"github.com/modelrail/mcp2515-sim/internal/world"
)

type frameRecorder struct {
	mu      sync.Mutex
	batches [][]can.Frame
}

func (r *frameRecorder) Inject(frames ...can.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	batch := append([]can.Frame(nil), frames...)
	r.batches = append(r.batches, batch)
}

func (r *frameRecorder) all() []can.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []can.Frame
	for _, b := range r.batches {
		out = append(out, b...)
	}
	return out
}

func (r *frameRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func TestPoller_DiffProducesTransitions(t *testing.T) {
	w := world.New()
	w.AddTrain(1)
	rec := &frameRecorder{}
	p := NewPoller(w, rec, time.Hour) // ticks driven manually

	p.Poll()
	if len(rec.batches) != 0 {
		t.Fatalf("events on empty world: %d batches", len(rec.batches))
	}

	w.SetSensor(1, 42, true)
	p.Poll()
	events := rec.all()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	want := MakeSensorEvent(42, false, true)
	if !events[0].Equal(want) {
		t.Fatalf("event = %s, want %s", events[0].String(), want.String())
	}

	// Unchanged state stays quiet.
	p.Poll()
	if len(rec.all()) != 1 {
		t.Fatal("steady state produced events")
	}

	w.SetSensor(1, 42, false)
	p.Poll()
	events = rec.all()
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	want = MakeSensorEvent(42, true, false)
	if !events[1].Equal(want) {
		t.Fatalf("release event = %s, want %s", events[1].String(), want.String())
	}
}

func TestPoller_BatchesOneTick(t *testing.T) {
	w := world.New()
	w.AddTrain(1)
	w.AddTrain(2)
	rec := &frameRecorder{}
	p := NewPoller(w, rec, time.Hour)
	p.Poll()

	w.SetSensor(1, 10, true)
	w.SetSensor(2, 11, true)
	p.Poll()
	if len(rec.batches) != 1 {
		t.Fatalf("batches = %d, want one per tick", len(rec.batches))
	}
	if len(rec.batches[0]) != 2 {
		t.Fatalf("batch size = %d, want 2", len(rec.batches[0]))
	}
}

func TestPoller_StartStopIdempotent(t *testing.T) {
	w := world.New()
	rec := &frameRecorder{}
	p := NewPoller(w, rec, time.Millisecond)
	ctx := context.Background()
	p.Start(ctx)
	p.Start(ctx) // second start is a no-op
	time.Sleep(10 * time.Millisecond)
	p.Stop()
	p.Stop() // second stop is a no-op
}

func TestPoller_TickerDelivers(t *testing.T) {
	w := world.New()
	w.AddTrain(1)
	w.SetSensor(1, 7, true)
	rec := &frameRecorder{}
	p := NewPoller(w, rec, time.Millisecond)
	p.Start(context.Background())
	defer p.Stop()

	deadline := time.After(time.Second)
	for {
		if rec.count() > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no sensor event within deadline")
		case <-time.After(time.Millisecond):
		}
	}
}
