package analysis

import (
	"context"
	"strings"
	"time"
	"unicode"
)

const (
	mockModel       = "mock"
	mockSummaryLen  = 500
	mockMaxTopics   = 5
	mockMaxLatency  = 900 * time.Millisecond
	mockCharsPerTok = 4
)

var (
	positiveWords = []string{"love", "great", "happy", "thanks", "thank you", "excellent"}
	negativeWords = []string{"hate", "bad", "angry", "worst", "terrible", "awful"}
	topicStop     = map[string]bool{"thanks": true, "great": true, "really": true}
)

// MockProvider is a deterministic, cost-free stand-in for the real provider.
// Its output depends only on the input text.
type MockProvider struct {
	// Base simulated latency; grows with text length up to 900ms. Zero
	// disables the delay.
	Latency time.Duration
}

func (m *MockProvider) Complete(ctx context.Context, text string) (*Response, error) {
	if m.Latency > 0 {
		d := m.Latency + time.Duration(len(text))*time.Second/2000
		if d > mockMaxLatency {
			d = mockMaxLatency
		}
		if err := SleepContext(ctx, d); err != nil {
			return nil, err
		}
	}

	lt := strings.ToLower(text)
	return &Response{
		Summary:    truncateRunes(text, mockSummaryLen),
		Sentiment:  string(mockSentiment(lt)),
		Topics:     mockTopics(lt),
		TokensUsed: max(1, len(text)/mockCharsPerTok),
		Model:      mockModel,
		Mock:       true,
	}, nil
}

func mockSentiment(lt string) Sentiment {
	s := Neutral
	for _, w := range positiveWords {
		if strings.Contains(lt, w) {
			s = Positive
			break
		}
	}
	for _, w := range negativeWords {
		if strings.Contains(lt, w) {
			return Negative
		}
	}
	return s
}

// mockTopics picks the first distinct long alphabetic words.
func mockTopics(lt string) []string {
	seen := map[string]bool{}
	topics := []string{}
	for _, w := range strings.Fields(lt) {
		w = strings.Trim(w, ".,!?:;()\"'")
		if len(w) <= 5 || topicStop[w] || seen[w] || !isAlpha(w) {
			continue
		}
		seen[w] = true
		topics = append(topics, w)
		if len(topics) >= mockMaxTopics {
			break
		}
	}
	return topics
}

func isAlpha(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return s != ""
}

func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
