package model

import "testing"

func TestSubscriptionEvent_KindNormalization(t *testing.T) {
	cases := []struct {
		eventType string
		want      EventKind
	}{
		{"subscription_created", EventCreated},
		{"created", EventCreated},
		{"subscription_removed", EventRemoved},
		{"subscription_deleted", EventRemoved},
		{"removed", EventRemoved},
		{"deleted", EventRemoved},
		{"subscription_paused", EventUnknown},
		{"", EventUnknown},
	}
	for _, tc := range cases {
		ev := SubscriptionEvent{EventType: tc.eventType}
		if got := ev.Kind(); got != tc.want {
			t.Errorf("%q: expected %s, got %s", tc.eventType, tc.want, got)
		}
	}
}

func TestSubscriptionEvent_Validate(t *testing.T) {
	ok := SubscriptionEvent{
		EventType: "subscription_created",
		Token:     67890,
		Metadata:  EventMetadata{TradingSymbol: "NIFTY26SEP15000CE"},
	}
	if err := ok.Validate(); err != nil {
		t.Errorf("valid event rejected: %v", err)
	}

	noToken := ok
	noToken.Token = 0
	if err := noToken.Validate(); err == nil {
		t.Error("zero token must fail validation")
	}

	noSymbol := ok
	noSymbol.Metadata.TradingSymbol = ""
	if err := noSymbol.Validate(); err == nil {
		t.Error("missing trading_symbol must fail validation")
	}
}

func TestParseSubscriptionEvent(t *testing.T) {
	ev, err := ParseSubscriptionEvent([]byte(`{
		"event_type": "subscription_created",
		"instrument_token": 67890,
		"metadata": {"trading_symbol": "NIFTY26SEP15000CE", "segment": "NFO-OPT"},
		"timestamp": 1756100000
	}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.Token != 67890 || ev.Metadata.Segment != "NFO-OPT" {
		t.Errorf("fields not decoded: %+v", ev)
	}
	if ev.Kind() != EventCreated {
		t.Errorf("expected created, got %s", ev.Kind())
	}

	if _, err := ParseSubscriptionEvent([]byte(`{{`)); err == nil {
		t.Error("garbage must not parse")
	}
}
