package internal

import (
	"errors"
	"testing"

	"github.com/tidwall/gjson"
)

func TestRoomNames(t *testing.T) {
	if got := UserRoom("@alice"); got != "user:@alice" {
		t.Errorf("UserRoom: got %s", got)
	}
	if got := ContextRoom("doc1"); got != "context:doc1" {
		t.Errorf("ContextRoom: got %s", got)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	f := NewFrame(EventNotification, map[string]string{"id": "n1"})
	parsed := gjson.ParseBytes(f.JSON())
	if parsed.Get("event").Str != EventNotification {
		t.Errorf("wrong event: %s", parsed.Raw)
	}
	if parsed.Get("data.id").Str != "n1" {
		t.Errorf("wrong data: %s", parsed.Raw)
	}
	// nil data is omitted entirely
	empty := NewFrame(EventPresenceHeartbeat, nil)
	if gjson.ParseBytes(empty.JSON()).Get("data").Exists() {
		t.Errorf("nil data was serialized: %s", empty.JSON())
	}
}

func TestHandlerError(t *testing.T) {
	inner := errors.New("boom")
	herr := &HandlerError{StatusCode: 400, Err: inner}
	if !errors.Is(herr, inner) {
		t.Errorf("HandlerError does not unwrap")
	}
	if got := gjson.GetBytes(herr.JSON(), "error").Str; got != "HTTP 400 : boom" {
		t.Errorf("wrong JSON error: %s", got)
	}
}
