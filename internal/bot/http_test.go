package bot

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/goattend/internal/config"
	"github.com/nextlevelbuilder/goattend/internal/store"
)

func TestHTTPClient_Query(t *testing.T) {
	var got queryRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"responses":["hola","¿en qué te ayudo?"]}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "k", time.Second)
	out, err := c.Query(context.Background(), "whatsapp", "citizen:phone:573", "hola necesito ayuda")
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 || out[1] != "¿en qué te ayudo?" {
		t.Errorf("responses = %v", out)
	}
	if got.Channel != "whatsapp" || got.Sender != "citizen:phone:573" || got.Message != "hola necesito ayuda" {
		t.Errorf("request = %+v", got)
	}
}

func TestDecodeResponses(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"object", `{"responses":["a","b"]}`, 2},
		{"array", `[{"text":"a"},{"text":""},{"text":"c"}]`, 2},
		{"empty", ``, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := decodeResponses([]byte(tt.body))
			if err != nil || len(out) != tt.want {
				t.Errorf("decodeResponses = %v, %v; want %d", out, err, tt.want)
			}
		})
	}
}

func TestHTTPClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"responses":["ok"]}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", time.Second)
	c.retry = RetryConfig{Attempts: 3, BaseDelay: time.Millisecond}
	out, err := c.Query(context.Background(), "webchat", "k", "x")
	if err != nil || len(out) != 1 {
		t.Fatalf("Query = %v, %v", out, err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestHTTPClient_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, "", time.Second)
	c.retry = RetryConfig{Attempts: 3, BaseDelay: time.Millisecond}
	_, err := c.Query(context.Background(), "webchat", "k", "x")
	if !errors.Is(err, store.ErrDownstreamUnavailable) {
		t.Fatalf("err = %v, want downstream unavailable", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.BotConfig
		wantErr bool
	}{
		{"http", config.BotConfig{Provider: "http", URL: "http://nlu"}, false},
		{"http without url", config.BotConfig{Provider: "http"}, true},
		{"openai", config.BotConfig{Provider: "openai", APIKey: "sk"}, false},
		{"openai without key", config.BotConfig{Provider: "openai"}, true},
		{"none", config.BotConfig{Provider: "none"}, false},
		{"unknown", config.BotConfig{Provider: "rasa"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("New(%+v) err = %v", tt.cfg, err)
			}
		})
	}
}

func TestSplitParagraphs(t *testing.T) {
	got := splitParagraphs("Hola.\n\n\nPuedo ayudarte con:\n- certificados\r\n\r\n  ")
	if len(got) != 2 || got[1] != "Puedo ayudarte con:\n- certificados" {
		t.Errorf("splitParagraphs = %q", got)
	}
}
