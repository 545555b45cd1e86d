package subaru

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestDiagnosticClientNilWithoutEndpoint(t *testing.T) {
	if c := newDiagnosticClient(""); c != nil {
		t.Error("expected nil client for empty endpoint")
	}
}

func TestDiagnosticSuggest(t *testing.T) {
	var got diagnosticRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		json.NewEncoder(w).Encode(diagnosticResponse{Suggestion: "run partprobe first"})
	}))
	defer srv.Close()

	c := newDiagnosticClient(srv.URL)
	s, ok := c.Suggest("attach-loop", "partition scan came back empty", []string{"attempt 1 failed"})
	if !ok || s != "run partprobe first" {
		t.Errorf("Suggest = %q/%v", s, ok)
	}
	if got.Operation != "attach-loop" || got.Error != "partition scan came back empty" {
		t.Errorf("request payload = %+v", got)
	}
	if len(got.History) != 1 {
		t.Errorf("history = %v", got.History)
	}
}

func TestDiagnosticDegradesOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if _, ok := newDiagnosticClient(srv.URL).Suggest("op", "err", nil); ok {
		t.Error("expected no suggestion on 503")
	}
}

func TestDiagnosticDegradesOnBadBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	if _, ok := newDiagnosticClient(srv.URL).Suggest("op", "err", nil); ok {
		t.Error("expected no suggestion on undecodable body")
	}
}

func TestDiagnosticDegradesOnEmptySuggestion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(diagnosticResponse{})
	}))
	defer srv.Close()

	if _, ok := newDiagnosticClient(srv.URL).Suggest("op", "err", nil); ok {
		t.Error("empty suggestion should not count")
	}
}

func TestDiagnosticDegradesWhenUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	if _, ok := newDiagnosticClient(srv.URL).Suggest("op", "err", nil); ok {
		t.Error("expected silent degradation when unreachable")
	}
}
