// Package prefilter decides cheaply whether a text is worth sending to the
// analysis provider. It does no I/O and favors skipping borderline input.
package prefilter

import (
	"strings"
	"unicode/utf8"
)

// Skip reasons reported by Reason.
const (
	ReasonTooShort    = "too_short"
	ReasonURL         = "url"
	ReasonBoilerplate = "boilerplate"
)

var defaultKeywords = []string{"thank", "thanks", "welcome"}

var urlPrefixes = []string{"http", "ftp", "www.", "@"}

type Config struct {
	Enabled             bool
	MinLength           int
	BoilerplateMaxWords int
	BoilerplateKeywords []string
}

func DefaultConfig() Config {
	return Config{
		Enabled:             true,
		MinLength:           20,
		BoilerplateMaxWords: 6,
		BoilerplateKeywords: defaultKeywords,
	}
}

// Prefilter is immutable after construction and safe for concurrent use.
type Prefilter struct {
	cfg Config
}

func New(cfg Config) *Prefilter {
	if cfg.MinLength < 0 {
		cfg.MinLength = 0
	}
	if cfg.BoilerplateMaxWords <= 0 {
		cfg.BoilerplateMaxWords = 6
	}
	if len(cfg.BoilerplateKeywords) == 0 {
		cfg.BoilerplateKeywords = defaultKeywords
	}
	kw := make([]string, 0, len(cfg.BoilerplateKeywords))
	for _, k := range cfg.BoilerplateKeywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			kw = append(kw, k)
		}
	}
	cfg.BoilerplateKeywords = kw
	return &Prefilter{cfg: cfg}
}

// ShouldAnalyze reports whether text should go on to analysis.
func (p *Prefilter) ShouldAnalyze(text string) bool {
	return p.Reason(text) == ""
}

// Reason returns why text would be skipped, or "" if it passes.
func (p *Prefilter) Reason(text string) string {
	if !p.cfg.Enabled {
		return ""
	}

	trimmed := strings.TrimSpace(text)
	if utf8.RuneCountInString(trimmed) < p.cfg.MinLength {
		return ReasonTooShort
	}

	lt := strings.ToLower(trimmed)
	if hasAnyPrefix(lt, urlPrefixes) {
		return ReasonURL
	}

	words := strings.Fields(lt)
	urlChars, totalChars := 0, 0
	for _, w := range words {
		totalChars += len(w)
		if isURLToken(w) {
			urlChars += len(w)
		}
	}
	if totalChars > 0 && urlChars*2 > totalChars {
		return ReasonURL
	}

	if len(words) < p.cfg.BoilerplateMaxWords {
		for _, k := range p.cfg.BoilerplateKeywords {
			if strings.Contains(lt, k) {
				return ReasonBoilerplate
			}
		}
	}
	return ""
}

func isURLToken(w string) bool {
	return strings.HasPrefix(w, "http://") ||
		strings.HasPrefix(w, "https://") ||
		strings.HasPrefix(w, "ftp://") ||
		strings.HasPrefix(w, "www.") ||
		(strings.HasPrefix(w, "@") && len(w) > 1)
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
