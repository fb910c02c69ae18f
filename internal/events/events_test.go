package events

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sweeney/bus-notifier/internal/logic"
)

func TestFormatPayloadDisplay(t *testing.T) {
	event := DecisionEvent{
		Timestamp: time.Date(2026, 2, 2, 22, 18, 12, 0, time.FixedZone("KST", 9*3600)),
		DeviceID:  "dev-1",
		Kind:      logic.KindDisplay,
		First:     logic.Arrived,
		Second:    245,
		Speech:    "100번 버스가 4분 5초 후 도착 예정입니다",
		Button:    logic.ButtonPushed,
	}

	payload, err := FormatPayload(event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := `{"decision":{"timestamp":"2026-02-02T13:18:12Z","device":"dev-1","kind":"DISPLAY","first":"도착","second":"4분 5초","speech":"100번 버스가 4분 5초 후 도착 예정입니다","button":"pushed"}}`
	if string(payload) != expected {
		t.Errorf("unexpected payload:\ngot:  %s\nwant: %s", payload, expected)
	}
}

func TestFormatPayloadTerminal(t *testing.T) {
	tests := []struct {
		event      DecisionEvent
		wantKind   string
		wantReason string
	}{
		{DecisionEvent{Kind: logic.KindBusArrived, Message: logic.MessageBusArrived}, "BUS_ARRIVED", ""},
		{DecisionEvent{Kind: logic.KindNoData, Reason: logic.ReasonUnauthorized}, "NO_DATA", "UNAUTHORIZED"},
		{DecisionEvent{Kind: logic.KindNoData, Reason: logic.ReasonServiceUnavailable, Suppressed: true}, "NO_DATA", "SERVICE_UNAVAILABLE"},
	}

	for _, tt := range tests {
		t.Run(tt.wantKind+tt.wantReason, func(t *testing.T) {
			payload, err := FormatPayload(tt.event)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			var parsed Payload
			if err := json.Unmarshal(payload, &parsed); err != nil {
				t.Fatalf("invalid JSON: %v", err)
			}
			if parsed.Decision.Kind != tt.wantKind {
				t.Errorf("kind: got %s, want %s", parsed.Decision.Kind, tt.wantKind)
			}
			if parsed.Decision.Reason != tt.wantReason {
				t.Errorf("reason: got %s, want %s", parsed.Decision.Reason, tt.wantReason)
			}
			if parsed.Decision.First != "" || parsed.Decision.Second != "" {
				t.Error("terminal decisions carry no countdowns")
			}
			if parsed.Decision.Suppressed != tt.event.Suppressed {
				t.Errorf("suppressed: got %v", parsed.Decision.Suppressed)
			}
		})
	}
}

func TestFormatSystemPayloadExactJSON(t *testing.T) {
	event := SystemEvent{
		Timestamp: time.Date(2026, 2, 10, 8, 30, 0, 0, time.UTC),
		Event:     "SHUTDOWN",
		Reason:    "SIGTERM",
	}
	payload, err := FormatSystemPayload(event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := `{"system":{"timestamp":"2026-02-10T08:30:00Z","event":"SHUTDOWN","reason":"SIGTERM"}}`
	if string(payload) != expected {
		t.Errorf("unexpected payload:\ngot:  %s\nwant: %s", payload, expected)
	}
}

func TestFormatSystemPayloadRaw(t *testing.T) {
	raw := []byte(`{"status":{"event":"STARTUP"}}`)
	payload, err := FormatSystemPayload(SystemEvent{Event: "STARTUP", RawPayload: raw})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(payload) != string(raw) {
		t.Errorf("got %s, want raw payload", payload)
	}
}

func TestFormatSystemPayloadStartupOmitsReason(t *testing.T) {
	payload, err := FormatSystemPayload(SystemEvent{Timestamp: time.Unix(0, 0), Event: "STARTUP"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var parsed map[string]map[string]interface{}
	if err := json.Unmarshal(payload, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if _, exists := parsed["system"]["reason"]; exists {
		t.Error("STARTUP should not have reason field")
	}
}

func TestTopics(t *testing.T) {
	if got := DecisionTopic("abc"); got != "bus-notifier/abc/decision" {
		t.Errorf("unexpected topic: %s", got)
	}
	if got := DecisionSubject("a.b c"); got != "bus-notifier.a_b_c.decision" {
		t.Errorf("unexpected subject: %s", got)
	}
	if got := subjectToken("  "); got != "_" {
		t.Errorf("empty token: got %q", got)
	}
}

func TestOpen(t *testing.T) {
	p, err := Open("", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := p.(NopPublisher); !ok {
		t.Errorf("expected NopPublisher, got %T", p)
	}
	if err := p.Publish(DecisionEvent{}); err != nil {
		t.Errorf("nop publish: %v", err)
	}

	if _, err := Open("amqp://localhost", nil); err == nil {
		t.Error("expected unsupported scheme error")
	}

	// Nothing listens on port 1.
	if _, err := Open("nats://127.0.0.1:1", nil); err == nil {
		t.Error("expected nats connect error")
	}
}

func TestFakePublisher(t *testing.T) {
	f := NewFakePublisher()

	if err := f.Publish(DecisionEvent{DeviceID: "d", Kind: logic.KindDisplay, First: 60, Second: logic.NoBus}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.Events) != 1 || len(f.Payloads) != 1 {
		t.Fatalf("expected 1 event and payload, got %d/%d", len(f.Events), len(f.Payloads))
	}
	if got := f.Recorded(); got[0].First != 60 {
		t.Errorf("unexpected recorded event: %+v", got[0])
	}

	f.PublishError = errors.New("simulated error")
	if err := f.Publish(DecisionEvent{}); err == nil {
		t.Error("expected error")
	}
	if len(f.Events) != 1 {
		t.Errorf("expected no events recorded on error, got %d", len(f.Events))
	}

	f.PublishSystem(SystemEvent{Event: "STARTUP", Retained: true})
	f.Close()
	f.Reset()
	if len(f.Events) != 0 || len(f.SystemEvents) != 0 || f.Closed || f.PublishError != nil {
		t.Error("reset should clear everything")
	}
}
