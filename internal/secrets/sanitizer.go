package secrets

import (
	"fmt"
	"regexp"
	"strings"
)

// Redacted is the marker substituted for stripped values.
const Redacted = "[REDACTED]"

// ContentRule is a regexp rule for self-identifying secret formats.
type ContentRule struct {
	// ID is the unique identifier for this rule.
	ID string `koanf:"id"`

	// Description explains what this rule detects.
	Description string `koanf:"description"`

	// Pattern is the regexp matched against string values.
	Pattern string `koanf:"pattern"`
}

// Config configures the sanitizer.
type Config struct {
	// Enabled controls whether sanitization is active (default: true).
	Enabled bool `koanf:"enabled"`

	// FieldNames are normalized key names whose values are stripped.
	FieldNames []string `koanf:"field_names"`

	// ContentRules are regexp rules applied to string values.
	ContentRules []ContentRule `koanf:"content_rules"`
}

// DefaultConfig returns a configuration with the standard rules.
func DefaultConfig() *Config {
	return &Config{
		Enabled:      true,
		FieldNames:   DefaultFieldNames(),
		ContentRules: DefaultContentRules(),
	}
}

// Sanitizer redacts sensitive material from payloads.
type Sanitizer interface {
	// SanitizeMap returns a deep copy of the payload with sensitive
	// fields stripped and string content scrubbed. The input is never
	// mutated.
	SanitizeMap(payload map[string]any) map[string]any

	// SanitizeString scrubs secret formats from string content.
	SanitizeString(content string) string
}

// sanitizer is the default rule-based implementation.
type sanitizer struct {
	config   *Config
	fields   map[string]struct{}
	patterns []*regexp.Regexp
}

// New creates a Sanitizer from the config. A nil config uses defaults.
func New(cfg *Config) (Sanitizer, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if !cfg.Enabled {
		return &Noop{}, nil
	}

	s := &sanitizer{
		config: cfg,
		fields: make(map[string]struct{}, len(cfg.FieldNames)),
	}
	for _, name := range cfg.FieldNames {
		s.fields[normalizeKey(name)] = struct{}{}
	}
	for _, rule := range cfg.ContentRules {
		pattern, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("content rule %s: invalid pattern: %w", rule.ID, err)
		}
		s.patterns = append(s.patterns, pattern)
	}
	return s, nil
}

// MustNew creates a Sanitizer, panicking on error. Intended for defaults
// known to be valid.
func MustNew(cfg *Config) Sanitizer {
	s, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return s
}

// SanitizeMap returns a sanitized deep copy of the payload.
func (s *sanitizer) SanitizeMap(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	return s.sanitizeMapValue(payload)
}

func (s *sanitizer) sanitizeMapValue(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		if _, sensitive := s.fields[normalizeKey(key)]; sensitive {
			out[key] = Redacted
			continue
		}
		out[key] = s.sanitizeValue(value)
	}
	return out
}

func (s *sanitizer) sanitizeValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return s.sanitizeMapValue(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = s.sanitizeValue(item)
		}
		return out
	case string:
		return s.SanitizeString(v)
	default:
		return v
	}
}

// SanitizeString scrubs secret formats from string content.
func (s *sanitizer) SanitizeString(content string) string {
	for _, pattern := range s.patterns {
		content = pattern.ReplaceAllString(content, Redacted)
	}
	return content
}

// normalizeKey lowercases a key and removes separator characters so that
// "api_key", "api-key" and "apiKey" all match the same rule.
func normalizeKey(key string) string {
	key = strings.ToLower(key)
	key = strings.ReplaceAll(key, "_", "")
	key = strings.ReplaceAll(key, "-", "")
	return key
}

// Noop is a sanitizer that passes payloads through unchanged. For tests.
type Noop struct{}

// SanitizeMap returns the payload unchanged.
func (Noop) SanitizeMap(payload map[string]any) map[string]any { return payload }

// SanitizeString returns the content unchanged.
func (Noop) SanitizeString(content string) string { return content }

var _ Sanitizer = (*sanitizer)(nil)
var _ Sanitizer = (*Noop)(nil)
