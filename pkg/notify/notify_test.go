package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWebhookNotifier_Delivers(t *testing.T) {
	var got Event
	var gotAuth, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("webhook body not JSON: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, map[string]string{"Authorization": "Bearer sesame"}, nil)
	ev := Event{
		Type:    "retraining_session",
		Subject: "parts_demand",
		Message: "1 of 1 jobs succeeded",
		Fields:  map[string]any{"promoted": true},
	}
	if err := n.Notify(context.Background(), ev); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	if got.Type != ev.Type || got.Subject != ev.Subject || got.Message != ev.Message {
		t.Errorf("delivered event = %+v, want %+v", got, ev)
	}
	if got.At.IsZero() {
		t.Error("delivered event missing timestamp")
	}
	if gotAuth != "Bearer sesame" {
		t.Errorf("Authorization = %q, want configured header", gotAuth)
	}
	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", gotContentType)
	}
}

func TestWebhookNotifier_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "queue full", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, nil, nil)
	if err := n.Notify(context.Background(), Event{Type: "retraining_session"}); err == nil {
		t.Error("Notify() succeeded against a 503 endpoint")
	}
}

func TestWebhookNotifier_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	n := NewWebhookNotifier(srv.URL, nil, nil)
	if err := n.Notify(context.Background(), Event{Type: "retraining_session"}); err == nil {
		t.Error("Notify() succeeded against a closed endpoint")
	}
}

func TestLogNotifier(t *testing.T) {
	n := NewLogNotifier(nil)
	if err := n.Notify(context.Background(), Event{Type: "retraining_session"}); err != nil {
		t.Errorf("Notify() error = %v", err)
	}
}
