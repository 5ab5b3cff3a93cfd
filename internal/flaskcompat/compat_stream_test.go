package flaskcompat

import (
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestFlaskCompatMJPEGStream(t *testing.T) {
	client := newCompatClient(t)
	resp := client.getResponse(t, "/video")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /video status = %d", resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "multipart/x-mixed-replace") ||
		!strings.Contains(contentType, "boundary=frame") {
		t.Fatalf("GET /video content-type = %q", contentType)
	}
}

func TestFlaskCompatStatsStream(t *testing.T) {
	client := newCompatClient(t)
	event, headers, err := readSSEEvent(client.baseURL+"/api/stats/stream", 5*time.Second)
	if err != nil {
		t.Fatalf("stats stream error: %v", err)
	}
	if !strings.Contains(headers.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("stats stream content-type = %q", headers.Get("Content-Type"))
	}
	if got := headers.Get("X-Content-Format"); got != "application/json" {
		t.Fatalf("stats stream X-Content-Format = %q", got)
	}
	payload := parseSSEData(t, event)
	assertStatsPayload(t, payload)
}

func TestFlaskCompatEventsStream(t *testing.T) {
	client := newCompatClient(t)
	event, headers, err := readSSEEvent(client.baseURL+"/api/events/stream", 3*time.Second)
	if err != nil {
		t.Skipf("no crossing event observed: %v", err)
	}
	if !strings.Contains(headers.Get("Content-Type"), "text/event-stream") {
		t.Fatalf("events stream content-type = %q", headers.Get("Content-Type"))
	}
	payload := parseSSEData(t, event)
	requireString(t, payload["device_id"], "device_id")
	requireString(t, payload["gate"], "gate")
	requireNumber(t, payload["track_id"], "track_id")
	direction := requireString(t, payload["direction"], "direction")
	if direction != "in" && direction != "out" {
		t.Fatalf("direction = %q", direction)
	}
}
