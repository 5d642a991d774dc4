package twilio

import "testing"

func TestParseStreamEventStart(t *testing.T) {
	raw := `{"event":"start","start":{"streamSid":"SS1","callSid":"CA1","customParameters":{"user_name":"Ada"}}}`
	evt, err := ParseStreamEvent([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if evt.Event != EventStart || evt.Start == nil {
		t.Fatalf("unexpected event: %+v", evt)
	}
	if evt.Start.StreamSID != "SS1" || evt.Start.CallSID != "CA1" {
		t.Errorf("identifiers lost: %+v", evt.Start)
	}
	if evt.Start.CustomParameters["user_name"] != "Ada" {
		t.Errorf("custom parameters lost: %+v", evt.Start.CustomParameters)
	}
}

func TestParseStreamEventMalformed(t *testing.T) {
	if _, err := ParseStreamEvent([]byte(`{"event":`)); err == nil {
		t.Fatalf("expected error on malformed frame")
	}
}
