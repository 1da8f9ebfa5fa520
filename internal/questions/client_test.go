package questions

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"quizduel/internal/domain"
)

func sampleQuestions() []domain.Question {
	return []domain.Question{
		{Prompt: "2+2?", Options: map[string]string{"A": "3", "B": "4", "C": "5", "D": "6"}, Answer: "B"},
		{Prompt: "Capital of France?", Options: map[string]string{"A": "Paris", "B": "Rome", "C": "Oslo", "D": "Bern"}, Answer: "A"},
	}
}

func TestGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/generate" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Topic      string `json:"topic"`
			Difficulty string `json:"difficulty"`
			Count      int    `json:"count"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Count <= 0 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"questions": sampleQuestions()})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	qs, err := c.Generate(context.Background(), "math", "easy", 2)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(qs) != 2 {
		t.Fatalf("expected 2 questions, got %d", len(qs))
	}
	if qs[0].Answer != "B" {
		t.Fatalf("unexpected answer label: %q", qs[0].Answer)
	}
}

func TestGenerateRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"questions": sampleQuestions()})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithRetry(3))
	if _, err := c.Generate(context.Background(), "math", "easy", 2); err != nil {
		t.Fatalf("Generate after retries: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestGenerateRejectsBadPayloads(t *testing.T) {
	cases := []struct {
		name string
		body any
	}{
		{"empty list", map[string]any{"questions": []domain.Question{}}},
		{"missing prompt", map[string]any{"questions": []domain.Question{{Options: map[string]string{"A": "1", "B": "2", "C": "3", "D": "4"}, Answer: "A"}}}},
		{"two options only", map[string]any{"questions": []domain.Question{{Prompt: "?", Options: map[string]string{"A": "1", "B": "2"}, Answer: "A"}}}},
		{"five options", map[string]any{"questions": []domain.Question{{Prompt: "?", Options: map[string]string{"A": "1", "B": "2", "C": "3", "D": "4", "E": "5"}, Answer: "A"}}}},
		{"bad answer label", map[string]any{"questions": []domain.Question{{Prompt: "?", Options: map[string]string{"A": "1", "B": "2", "C": "3", "D": "4"}, Answer: "Z"}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(tc.body)
			}))
			defer srv.Close()

			c := NewClient(srv.URL)
			if _, err := c.Generate(context.Background(), "math", "easy", 1); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
