package closedetector

import (
	"testing"
	"time"

	"optionflow/internal/model"
)

func TestDetector_SpotStabilization(t *testing.T) {
	closeTime := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC) // 15:30 IST
	d := New("NIFTY", closeTime)
	d.StableFor = 3 * time.Second // quick for test

	// Before close: only tracks the running spot.
	if d.Observe(1512000, closeTime.Add(-1*time.Minute)) {
		t.Error("should not capture before close")
	}

	// After close: changing spot should not capture.
	if d.Observe(1512100, closeTime.Add(1*time.Second)) {
		t.Error("should not capture while spot is changing")
	}
	if d.Observe(1512200, closeTime.Add(2*time.Second)) {
		t.Error("should not capture while spot is changing")
	}

	// Stable spot but not long enough.
	if d.Observe(1512200, closeTime.Add(3*time.Second)) {
		t.Error("should not capture yet, only 1s stable")
	}

	// Stable for StableFor (3s).
	if !d.Observe(1512200, closeTime.Add(5*time.Second)) {
		t.Error("should capture after spot stable for 3s")
	}

	if !d.Captured() {
		t.Error("Captured should be true")
	}
	if d.ClosingSpot() != 1512200 {
		t.Errorf("expected closing spot 1512200, got %d", d.ClosingSpot())
	}

	// Further observations are no-ops.
	if d.Observe(1512300, closeTime.Add(6*time.Second)) {
		t.Error("should not capture twice")
	}
	if d.ClosingSpot() != 1512200 {
		t.Errorf("captured spot changed after capture: %d", d.ClosingSpot())
	}
}

// Mirrors the engine wiring: the detector is fed through the registry's spot
// hook, and a capture pins the settled close against later updates.
func TestDetector_CapturePinsRegistrySpot(t *testing.T) {
	closeTime := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	// Pin expiry is checked against the wall clock, so anchor it there.
	nextOpen := time.Now().Add(time.Hour)

	reg := model.NewRegistry()
	d := New("NIFTY", closeTime)
	d.StableFor = 2 * time.Second

	now := closeTime.Add(-time.Minute)
	reg.OnSpot = func(sym string, spot int64) {
		if d.Observe(spot, now) {
			reg.PinSpot(sym, d.ClosingSpot(), nextOpen)
		}
	}

	reg.SetSpot("NIFTY", 1512000)

	now = closeTime.Add(1 * time.Second)
	reg.SetSpot("NIFTY", 1512200)
	now = closeTime.Add(2 * time.Second)
	reg.SetSpot("NIFTY", 1512200)
	now = closeTime.Add(4 * time.Second)
	reg.SetSpot("NIFTY", 1512200)

	if !d.Captured() {
		t.Fatal("expected capture after stable post-close spot")
	}
	if s, _ := reg.Spot("NIFTY"); s != 1512200 {
		t.Fatalf("expected pinned closing spot 1512200, got %d", s)
	}

	// Straggler ticks after capture must not move the settled close.
	now = closeTime.Add(10 * time.Second)
	reg.SetSpot("NIFTY", 1519900)
	if s, _ := reg.Spot("NIFTY"); s != 1512200 {
		t.Errorf("straggler moved the pinned close to %d", s)
	}
}

func TestDetector_HardDeadline(t *testing.T) {
	closeTime := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	d := New("BANKNIFTY", closeTime)
	d.MaxGrace = 2 * time.Minute

	// Spot keeps changing but we are not past the hard deadline.
	if d.Observe(5010000, closeTime.Add(1*time.Minute)) {
		t.Error("should not capture before hard deadline")
	}

	// Past hard deadline, capture even though the spot just changed.
	if !d.Observe(5020000, closeTime.Add(3*time.Minute)) {
		t.Error("should capture past the hard deadline")
	}
	if d.ClosingSpot() != 5020000 {
		t.Errorf("expected closing spot 5020000, got %d", d.ClosingSpot())
	}
}

func TestDetector_SpotChangeResetsStability(t *testing.T) {
	closeTime := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	d := New("NIFTY", closeTime)
	d.StableFor = 2 * time.Second

	d.Observe(1500000, closeTime.Add(1*time.Second))
	d.Observe(1500000, closeTime.Add(2*time.Second))

	// Spot change resets the stability window.
	d.Observe(1500100, closeTime.Add(2500*time.Millisecond))

	if d.Observe(1500100, closeTime.Add(3*time.Second)) {
		t.Error("should not capture, only 0.5s since spot change")
	}

	if !d.Observe(1500100, closeTime.Add(4500*time.Millisecond)) {
		t.Error("should capture, 2s stable after the spot change")
	}
}
