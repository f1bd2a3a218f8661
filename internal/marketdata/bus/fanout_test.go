package bus

import (
	"context"
	"testing"
	"time"

	"optionflow/internal/model"
)

func TestFanOut_BroadcastsToAll(t *testing.T) {
	fo := New(10)
	out1 := fo.Subscribe()
	out2 := fo.Subscribe()

	input := make(chan model.EnrichedBar, 10)
	ctx, cancel := context.WithCancel(context.Background())
	go fo.Run(ctx, input)

	bar := model.EnrichedBar{
		Token: 67890,
		TF:    60,
		Open:  100,
		High:  110,
		Low:   90,
		Close: 105,
	}

	input <- bar
	time.Sleep(50 * time.Millisecond)

	select {
	case b := <-out1:
		if b.Token != 67890 {
			t.Errorf("out1: expected token 67890, got %d", b.Token)
		}
	case <-time.After(time.Second):
		t.Fatal("out1: timed out waiting for bar")
	}

	select {
	case b := <-out2:
		if b.Token != 67890 {
			t.Errorf("out2: expected token 67890, got %d", b.Token)
		}
	case <-time.After(time.Second):
		t.Fatal("out2: timed out waiting for bar")
	}

	cancel()
}

func TestFanOut_SlowConsumerDoesNotBlock(t *testing.T) {
	fo := New(1)
	slow := fo.Subscribe()
	_ = slow // never drained

	drops := 0
	fo.OnDrop = func(idx int) { drops++ }

	input := make(chan model.EnrichedBar, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fo.Run(ctx, input)

	for i := 0; i < 5; i++ {
		input <- model.EnrichedBar{Token: 1, TF: 60, TS: time.Now()}
	}
	time.Sleep(100 * time.Millisecond)

	if drops == 0 {
		t.Error("expected drops for the undrained subscriber, got none")
	}
}
