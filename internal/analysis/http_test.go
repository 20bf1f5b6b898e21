package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func chatBody(content string, usage int) string {
	env := map[string]any{
		"model": "grok-test",
		"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": content}},
		},
	}
	if usage > 0 {
		env["usage"] = map[string]int{"total_tokens": usage}
	}
	b, _ := json.Marshal(env)
	return string(b)
}

func newTestServer(t *testing.T, h http.HandlerFunc) *HTTPProvider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewHTTPProvider(HTTPConfig{BaseURL: srv.URL + "/", APIKey: "secret", HTTPClient: srv.Client()})
}

func TestHTTPProviderSuccess(t *testing.T) {
	var gotAuth, gotPath string
	var gotReq chatRequest
	p := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_, _ = w.Write([]byte(chatBody(`{"summary":"ok","sentiment":"negative","topics":["billing"],"tokens_used":12}`, 80)))
	})

	resp, err := p.Complete(context.Background(), "my bill is wrong")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if gotAuth != "Bearer secret" || gotPath != "/chat/completions" {
		t.Fatalf("unexpected request auth=%q path=%q", gotAuth, gotPath)
	}
	if len(gotReq.Messages) != 2 || gotReq.Messages[1].Content != "my bill is wrong" {
		t.Fatalf("unexpected request body %+v", gotReq)
	}
	if resp.Summary != "ok" || resp.Sentiment != "negative" || resp.TokensUsed != 80 || resp.Model != "grok-test" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestHTTPProviderFencedContent(t *testing.T) {
	p := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(chatBody("```json\n{\"summary\":\"s\",\"sentiment\":\"neutral\",\"topics\":[],\"tokens_used\":9}\n```", 0)))
	})
	resp, err := p.Complete(context.Background(), "x")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.TokensUsed != 9 {
		t.Fatalf("expected payload token count, got %d", resp.TokensUsed)
	}
}

func TestHTTPProviderStatusMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		header string
		kind   string
		retry  time.Duration
	}{
		{"rate limited", http.StatusTooManyRequests, "3", KindRateLimited, 3 * time.Second},
		{"server error", http.StatusBadGateway, "", KindServer, 0},
		{"unauthorized", http.StatusUnauthorized, "", "permanent", 0},
		{"bad request", http.StatusBadRequest, "", "permanent", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				if tc.header != "" {
					w.Header().Set("Retry-After", tc.header)
				}
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"error":"nope"}`))
			})
			_, err := p.Complete(context.Background(), "x")
			if Kind(err) != tc.kind {
				t.Fatalf("expected kind %s, got %v", tc.kind, err)
			}
			var te *TransientError
			if errors.As(err, &te) && te.RetryAfter != tc.retry {
				t.Fatalf("expected retry-after %s, got %s", tc.retry, te.RetryAfter)
			}
		})
	}
}

func TestHTTPProviderMalformed(t *testing.T) {
	for name, body := range map[string]string{
		"not json":      "<html>gateway</html>",
		"no choices":    `{"choices":[]}`,
		"prose content": chatBody("I cannot help with that.", 0),
	} {
		t.Run(name, func(t *testing.T) {
			p := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(body))
			})
			_, err := p.Complete(context.Background(), "x")
			var me *MalformedResponseError
			if !errors.As(err, &me) {
				t.Fatalf("expected malformed error, got %v", err)
			}
			if string(me.Raw) != body {
				t.Fatalf("raw body not preserved: %q", me.Raw)
			}
		})
	}
}

func TestHTTPProviderTimeoutThroughClient(t *testing.T) {
	release := make(chan struct{})
	p := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	c := NewClient(p, ClientConfig{Timeout: 20 * time.Millisecond, MaxAttempts: 1}, nil)
	_, err := c.Analyze(context.Background(), "r", "x")
	if Kind(err) != KindTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if parseRetryAfter("") != 0 || parseRetryAfter("soon") != 0 || parseRetryAfter("-4") != 0 {
		t.Fatalf("invalid values should yield zero")
	}
	if parseRetryAfter(" 12 ") != 12*time.Second {
		t.Fatalf("expected 12s")
	}
	future := time.Now().Add(time.Hour).UTC().Format(http.TimeFormat)
	if d := parseRetryAfter(future); d < 59*time.Minute {
		t.Fatalf("expected about an hour, got %s", d)
	}
}

func TestRPMLimiter(t *testing.T) {
	p := NewHTTPProvider(HTTPConfig{RPM: 60})
	if p.limiter == nil || p.limiter.Burst() != 1 {
		t.Fatalf("expected burst-1 limiter")
	}
	p.SetRPM(0)
	if p.limiter != nil {
		t.Fatalf("rpm 0 should disable limiting")
	}
}
