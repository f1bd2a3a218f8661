package backfill

import (
	"context"
	"testing"
	"time"

	"optionflow/internal/analytics"
	"optionflow/internal/model"
)

type fakeSource struct {
	bars  []model.Bar
	calls int
}

func (f *fakeSource) FetchMinuteBars(ctx context.Context, token int64, from, to time.Time) ([]model.Bar, error) {
	f.calls++
	return f.bars, nil
}

type fakeGateway struct {
	upserts [][]model.EnrichedBar
}

func (f *fakeGateway) UpsertBars(bars []model.EnrichedBar) error {
	f.upserts = append(f.upserts, bars)
	return nil
}

func minuteBars(token int64, start int64, n int) []model.Bar {
	out := make([]model.Bar, 0, n)
	for i := 0; i < n; i++ {
		px := int64(25000 + i*10)
		out = append(out, model.Bar{
			Token:      token,
			TF:         60,
			TS:         time.Unix(start+int64(i)*60, 0).UTC(),
			Open:       px,
			High:       px + 50,
			Low:        px - 50,
			Close:      px + 20,
			Volume:     100,
			OI:         int64(200000 + i),
			TicksCount: 60,
		})
	}
	return out
}

func newTestCoordinator(src HistoricalSource, gw Gateway) *Coordinator {
	reg := model.NewRegistry()
	chain := analytics.NewChainTracker()
	en := analytics.NewEnricher(0.07, reg, chain)
	return New(Config{PersistSet: []int{60, 300}}, src, gw, en, reg, chain)
}

func TestResample(t *testing.T) {
	start := int64(1_700_000_000)
	start = start - start%300
	bars := minuteBars(1, start, 7) // 5 bars in bucket 0, 2 in bucket 1

	out := resample(bars, 300)
	if len(out) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(out))
	}

	b0 := out[0]
	if b0.TF != 300 || b0.TS.Unix() != start {
		t.Errorf("bucket 0 misaligned: tf=%d ts=%d", b0.TF, b0.TS.Unix())
	}
	if b0.Open != 25000 {
		t.Errorf("open must come from the first minute: %d", b0.Open)
	}
	if b0.Close != 25060 { // 5th minute: 25040 + 20
		t.Errorf("close must come from the last minute: %d", b0.Close)
	}
	if b0.High != 25090 { // 5th minute high: 25040 + 50
		t.Errorf("high: expected 25090, got %d", b0.High)
	}
	if b0.Low != 24950 { // 1st minute low
		t.Errorf("low: expected 24950, got %d", b0.Low)
	}
	if b0.Volume != 500 {
		t.Errorf("volume must sum: %d", b0.Volume)
	}
	if b0.OI != 200004 { // latest OI wins
		t.Errorf("OI must be latest: %d", b0.OI)
	}
	if b0.TicksCount != 300 {
		t.Errorf("ticks must sum: %d", b0.TicksCount)
	}
}

func TestResample_MinutePassThrough(t *testing.T) {
	bars := minuteBars(1, 1_700_000_040, 3)
	out := resample(bars, 60)
	if len(out) != 3 {
		t.Fatalf("expected pass-through of 3 bars, got %d", len(out))
	}
	for i := range out {
		if out[i] != bars[i] {
			t.Errorf("bar %d mutated in pass-through", i)
		}
	}
}

func TestCoordinator_BackfillWritesAllPersistTFs(t *testing.T) {
	start := int64(1_700_000_000)
	start = start - start%300
	src := &fakeSource{bars: minuteBars(7, start, 10)}
	gw := &fakeGateway{}
	c := newTestCoordinator(src, gw)

	n, err := c.Backfill(context.Background(), 7,
		time.Unix(start, 0), time.Unix(start+600, 0))
	if err != nil {
		t.Fatalf("backfill: %v", err)
	}
	// 10 one-minute bars plus 2 five-minute bars.
	if n != 12 {
		t.Errorf("expected 12 bars written, got %d", n)
	}
	if len(gw.upserts) != 1 {
		t.Fatalf("expected a single batched upsert, got %d", len(gw.upserts))
	}
	for _, b := range gw.upserts[0] {
		if !b.Persist {
			t.Errorf("backfilled bar %s not persist-tagged", b.Key())
		}
		if b.TF != 60 && b.TF != 300 {
			t.Errorf("unexpected TF %d in backfill output", b.TF)
		}
	}
}

func TestCoordinator_BackfillEmptyWindow(t *testing.T) {
	src := &fakeSource{}
	gw := &fakeGateway{}
	c := newTestCoordinator(src, gw)

	n, err := c.Backfill(context.Background(), 7, time.Now().Add(-time.Hour), time.Now())
	if err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if n != 0 || len(gw.upserts) != 0 {
		t.Errorf("empty fetch must write nothing: n=%d upserts=%d", n, len(gw.upserts))
	}
}

func TestCoordinator_TriggerDedupsInflight(t *testing.T) {
	c := newTestCoordinator(&fakeSource{}, &fakeGateway{})

	if !c.Trigger(5, "SYM") {
		t.Fatal("first trigger should enqueue")
	}
	// Same token again while queued: accepted as already covered, no second
	// queue entry.
	if !c.Trigger(5, "SYM") {
		t.Error("duplicate trigger should report covered, not deferred")
	}
	if len(c.queue) != 1 {
		t.Errorf("expected 1 queued task, got %d", len(c.queue))
	}
}

func TestCoordinator_TriggerDefersWhenQueueFull(t *testing.T) {
	c := New(Config{QueueSize: 1, PersistSet: []int{60}},
		&fakeSource{}, &fakeGateway{},
		analytics.NewEnricher(0.07, model.NewRegistry(), analytics.NewChainTracker()),
		model.NewRegistry(), analytics.NewChainTracker())

	if !c.Trigger(1, "A") {
		t.Fatal("first trigger should enqueue")
	}
	if c.Trigger(2, "B") {
		t.Error("second trigger should defer on a full queue")
	}
	// A deferred token must be retriable once capacity frees up.
	<-c.queue
	if !c.Trigger(2, "B") {
		t.Error("deferred token should enqueue after drain")
	}
}
