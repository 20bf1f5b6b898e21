package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultBaseURL      = "https://api.x.ai/v1"
	defaultModel        = "grok-1"
	defaultMaxTokens    = 500
	maxIdleConns        = 100
	idleConnTimeout     = 90 * time.Second
	tlsHandshakeTimeout = 10 * time.Second
	maxResponseBytes    = 1 << 20
)

const systemPrompt = "Analyze the provided text and return a JSON response with exactly these fields:\n" +
	"{\n  \"summary\": \"1-2 sentence summary of the text\",\n" +
	"  \"sentiment\": \"positive, negative, or neutral\",\n" +
	"  \"topics\": [\"topic1\", \"topic2\", ...],\n" +
	"  \"tokens_used\": estimated number of tokens used\n}\n\n" +
	"Return ONLY valid JSON, no additional text."

type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	// Requests per minute; <=0 disables client-side limiting.
	RPM        int
	MaxTokens  int
	HTTPClient *http.Client
}

// HTTPProvider calls an OpenAI-compatible chat completions endpoint.
type HTTPProvider struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	maxTokens  int
	limiter    *rate.Limiter
}

func NewHTTPProvider(cfg HTTPConfig) *HTTPProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	hc := cfg.HTTPClient
	if hc == nil {
		// Timeouts come from the per-attempt context.
		hc = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        maxIdleConns,
				MaxIdleConnsPerHost: maxIdleConns,
				IdleConnTimeout:     idleConnTimeout,
				TLSHandshakeTimeout: tlsHandshakeTimeout,
				ForceAttemptHTTP2:   true,
			},
		}
	}
	p := &HTTPProvider{
		httpClient: hc,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
	}
	p.SetRPM(cfg.RPM)
	return p
}

// SetRPM sets a smooth client-side request rate. rpm<=0 disables it.
func (p *HTTPProvider) SetRPM(rpm int) {
	if rpm <= 0 {
		p.limiter = nil
		return
	}
	p.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
}

type analysisPayload struct {
	Summary    string   `json:"summary"`
	Sentiment  string   `json:"sentiment"`
	Topics     []string `json:"topics"`
	TokensUsed int      `json:"tokens_used"`
}

func (p *HTTPProvider) Complete(ctx context.Context, text string) (*Response, error) {
	body, err := json.Marshal(chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: text},
		},
		Temperature: 0,
		MaxTokens:   p.maxTokens,
	})
	if err != nil {
		return nil, &PermanentError{Err: fmt.Errorf("marshal request: %w", err)}
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, &TransientError{Kind: KindRateLimited, Err: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &PermanentError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		// classified by the client: timeout vs network
		return nil, err
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	resp.Body.Close()
	if err != nil {
		return nil, &TransientError{Kind: KindNetwork, StatusCode: resp.StatusCode, Err: err}
	}

	if err := statusError(resp, raw); err != nil {
		return nil, err
	}
	return p.parse(raw)
}

func statusError(resp *http.Response, raw []byte) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return &TransientError{
			Kind:       KindRateLimited,
			StatusCode: code,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        fmt.Errorf("status %d", code),
		}
	case code >= 500:
		return &TransientError{Kind: KindServer, StatusCode: code, Err: fmt.Errorf("status %d: %s", code, snippet(raw))}
	default:
		return &PermanentError{StatusCode: code, Err: fmt.Errorf("status %d: %s", code, snippet(raw))}
	}
}

func (p *HTTPProvider) parse(raw []byte) (*Response, error) {
	var env chatResponse
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &MalformedResponseError{Raw: raw, Err: fmt.Errorf("unmarshal response: %w", err)}
	}
	if len(env.Choices) == 0 {
		return nil, &MalformedResponseError{Raw: raw, Err: errors.New("response has no choices")}
	}
	content := env.Choices[0].Message.Content

	payload, err := decodePayload(content)
	if err != nil {
		return nil, &MalformedResponseError{Raw: raw, Err: err}
	}

	tokens := payload.TokensUsed
	if env.Usage != nil && env.Usage.TotalTokens > 0 {
		tokens = env.Usage.TotalTokens
	}
	model := env.Model
	if model == "" {
		model = p.model
	}
	return &Response{
		Summary:    payload.Summary,
		Sentiment:  payload.Sentiment,
		Topics:     payload.Topics,
		TokensUsed: tokens,
		Model:      model,
		Raw:        raw,
	}, nil
}

// decodePayload accepts bare JSON, JSON wrapped in a markdown fence, or JSON
// embedded in surrounding prose.
func decodePayload(content string) (*analysisPayload, error) {
	s := strings.TrimSpace(content)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	var out analysisPayload
	if err := json.Unmarshal([]byte(s), &out); err == nil {
		return &out, nil
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("content is not JSON: %q", snippet([]byte(s)))
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("content is not JSON: %w", err)
	}
	return &out, nil
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func snippet(b []byte) string {
	const n = 200
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
