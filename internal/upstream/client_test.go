package upstream_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentoven/adjudicator/internal/upstream"
	"github.com/agentoven/adjudicator/pkg/models"
)

const sampleResponse = `{
  "id": "resp_2",
  "output": [
    {"type": "message", "content": [{"type": "output_text", "text": "Reading the claim file."}]},
    {"type": "capability_call", "name": "ocr_document", "server_label": "ocr", "arguments": {"claim_id": "CLM-1"}, "output": "Invoice total 1200 EUR"},
    {"type": "capability_call", "name": "search_similar_claims", "server_label": "search", "error": "index offline", "output": "ignored"},
    {"type": "message", "content": [{"type": "output_text", "text": "` + "```json\\n{\\\"recommendation\\\":\\\"approve\\\"}\\n```" + `"}, {"type": "refusal", "text": "x"}]}
  ],
  "usage": {"input_tokens": 100, "output_tokens": 40, "total_tokens": 140}
}`

func TestExecute_DecodesTurn(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q, want %q", got, "Bearer secret")
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &captured); err != nil {
			t.Fatalf("request body is not JSON: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, sampleResponse)
	}))
	defer srv.Close()

	c := upstream.NewClient(srv.URL, upstream.WithAPIKey("secret"))
	res, err := c.Execute(context.Background(), &models.TurnRequest{
		Model:             "test-model",
		Instructions:      "Adjudicate.",
		Input:             []models.Message{{Role: "user", Content: "Process claim CLM-1"}},
		ContinuationToken: "resp_1",
		Manifest: []models.EndpointGroupManifest{
			{ServerLabel: "ocr", ServerURL: "http://ocr", Type: "capability", Allowed: []string{"ocr_document"}},
		},
		MaxToolIterations: 5,
		MaxOutputTokens:   1000,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if captured["input"] != "Process claim CLM-1" {
		t.Errorf("single user message should be sent as string, got %v", captured["input"])
	}
	if captured["previous_token"] != "resp_1" {
		t.Errorf("previous_token = %v, want resp_1", captured["previous_token"])
	}
	if captured["stream"] != false || captured["store"] != true {
		t.Errorf("stream/store = %v/%v, want false/true", captured["stream"], captured["store"])
	}
	tools, _ := captured["tools"].([]any)
	if len(tools) != 1 {
		t.Fatalf("tools = %v, want one entry", captured["tools"])
	}

	if res.ContinuationToken != "resp_2" {
		t.Errorf("ContinuationToken = %q, want resp_2", res.ContinuationToken)
	}
	wantText := "Reading the claim file.\n\n```json\n{\"recommendation\":\"approve\"}\n```"
	if res.Text != wantText {
		t.Errorf("Text = %q, want %q", res.Text, wantText)
	}
	if len(res.Invocations) != 2 {
		t.Fatalf("Invocations = %d, want 2", len(res.Invocations))
	}
	ocr := res.Invocations[0]
	if ocr.Name != "ocr_document" || ocr.Endpoint != "ocr" || ocr.Output != "Invoice total 1200 EUR" || ocr.Error != "" {
		t.Errorf("first invocation = %+v", ocr)
	}
	if ocr.Text != `{"claim_id": "CLM-1"}` {
		t.Errorf("arguments text = %q", ocr.Text)
	}
	failed := res.Invocations[1]
	if !failed.Failed() || failed.Output != "" {
		t.Errorf("error and output must be exclusive, got %+v", failed)
	}
	if res.Usage.TotalTokens != 140 {
		t.Errorf("Usage.TotalTokens = %d, want 140", res.Usage.TotalTokens)
	}
}

func TestExecute_MessageSequence(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		io.WriteString(w, `{"id":"r","output":[],"usage":{"input_tokens":3,"output_tokens":2}}`)
	}))
	defer srv.Close()

	res, err := upstream.NewClient(srv.URL).Execute(context.Background(), &models.TurnRequest{
		Input: []models.Message{{Role: "system", Content: "a"}, {Content: "b"}},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	input, ok := captured["input"].([]any)
	if !ok || len(input) != 2 {
		t.Fatalf("input = %v, want two messages", captured["input"])
	}
	if res.Usage.TotalTokens != 5 {
		t.Errorf("TotalTokens should default to input+output, got %d", res.Usage.TotalTokens)
	}
	if res.Text != "" || len(res.Invocations) != 0 {
		t.Errorf("empty output should give empty result, got %+v", res)
	}
}

func TestExecute_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, strings.Repeat("x", 2000))
	}))
	defer srv.Close()

	_, err := upstream.NewClient(srv.URL).Execute(context.Background(), &models.TurnRequest{})
	var upErr *upstream.UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("Execute() error = %v, want *UpstreamError", err)
	}
	if upErr.StatusCode != http.StatusBadGateway {
		t.Errorf("StatusCode = %d, want %d", upErr.StatusCode, http.StatusBadGateway)
	}
	if len(upErr.Body) > 600 {
		t.Errorf("payload should be truncated, got %d bytes", len(upErr.Body))
	}
}

func TestExecute_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := upstream.NewClient(srv.URL, upstream.WithTimeout(50*time.Millisecond))
	_, err := c.Execute(context.Background(), &models.TurnRequest{})
	if !errors.Is(err, upstream.ErrUpstreamUnavailable) {
		t.Errorf("Execute() error = %v, want ErrUpstreamUnavailable", err)
	}
}

func TestExecute_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := upstream.NewClient(url).Execute(context.Background(), &models.TurnRequest{})
	if !errors.Is(err, upstream.ErrUpstreamUnavailable) {
		t.Errorf("Execute() error = %v, want ErrUpstreamUnavailable", err)
	}
}

func TestExecute_UndecodableBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "<html>gateway</html>")
	}))
	defer srv.Close()

	_, err := upstream.NewClient(srv.URL).Execute(context.Background(), &models.TurnRequest{})
	var upErr *upstream.UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("Execute() error = %v, want *UpstreamError", err)
	}
}
