package slogging

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
)

// RedactionAction defines how a sensitive attribute is handled
type RedactionAction string

const (
	// RedactionOmit removes the attribute entirely
	RedactionOmit RedactionAction = "omit"
	// RedactionObfuscate replaces the value with [REDACTED]
	RedactionObfuscate RedactionAction = "obfuscate"
	// RedactionPartial keeps a short prefix and suffix of the value
	RedactionPartial RedactionAction = "partial"
)

// RedactionRule matches attribute keys against a pattern
type RedactionRule struct {
	FieldPattern string          `yaml:"field_pattern" json:"field_pattern"`
	Action       RedactionAction `yaml:"action" json:"action"`
	// LogLevels limits the rule to these levels (empty = all levels)
	LogLevels []string `yaml:"log_levels,omitempty" json:"log_levels,omitempty"`

	compiled *regexp.Regexp
}

// RedactionConfig holds all redaction rules
type RedactionConfig struct {
	Enabled bool            `yaml:"enabled" json:"enabled"`
	Rules   []RedactionRule `yaml:"rules" json:"rules"`
}

// DefaultRedactionConfig covers tokens, secrets and cookies
func DefaultRedactionConfig() RedactionConfig {
	return RedactionConfig{
		Enabled: true,
		Rules: []RedactionRule{
			{FieldPattern: "(?i)(authorization|bearer|token|jwt|access_token|refresh_token)", Action: RedactionPartial},
			{FieldPattern: "(?i)(password|secret|api_key|private_key|client_secret)", Action: RedactionOmit},
			{FieldPattern: "(?i)(cookie|set-cookie)", Action: RedactionPartial},
		},
	}
}

// CompileRules compiles regex patterns for all rules
func (rc *RedactionConfig) CompileRules() error {
	for i := range rc.Rules {
		pattern, err := regexp.Compile(rc.Rules[i].FieldPattern)
		if err != nil {
			return fmt.Errorf("failed to compile redaction pattern '%s': %w", rc.Rules[i].FieldPattern, err)
		}
		rc.Rules[i].compiled = pattern
	}
	return nil
}

func (rule *RedactionRule) appliesTo(level slog.Level) bool {
	if len(rule.LogLevels) == 0 {
		return true
	}
	levelStr := strings.ToLower(level.String())
	return slices.ContainsFunc(rule.LogLevels, func(l string) bool {
		return strings.ToLower(l) == levelStr
	})
}

func partialRedactValue(value string) string {
	if value == "" {
		return value
	}
	if len(value) <= 12 {
		return "[REDACTED]"
	}
	if strings.HasPrefix(strings.ToLower(value), "bearer ") {
		return value[:7] + partialRedactValue(value[7:])
	}
	// JWT: keep a little of the header and the signature tail
	if strings.Count(value, ".") == 2 && strings.HasPrefix(value, "eyJ") {
		parts := strings.Split(value, ".")
		header, sig := parts[0], parts[2]
		if len(header) > 8 {
			header = header[:8] + "...REDACTED..."
		}
		if len(sig) > 4 {
			sig = "...REDACTED..." + sig[len(sig)-4:]
		}
		return header + ".REDACTED." + sig
	}
	start, end := 6, 4
	if len(value) < start+end+10 {
		start, end = 3, 2
	}
	return value[:start] + "...REDACTED..." + value[len(value)-end:]
}

type redactionHandler struct {
	handler slog.Handler
	config  RedactionConfig
}

// NewRedactionHandler wraps handler so that matching attributes are redacted
func NewRedactionHandler(handler slog.Handler, config RedactionConfig) (slog.Handler, error) {
	if err := config.CompileRules(); err != nil {
		return nil, err
	}
	return &redactionHandler{handler: handler, config: config}, nil
}

func (h *redactionHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *redactionHandler) Handle(ctx context.Context, record slog.Record) error {
	if !h.config.Enabled {
		return h.handler.Handle(ctx, record)
	}

	redacted := slog.NewRecord(record.Time, record.Level, record.Message, record.PC)
	record.Attrs(func(attr slog.Attr) bool {
		if out, keep := h.redact(attr, record.Level); keep {
			redacted.AddAttrs(out)
		}
		return true
	})
	return h.handler.Handle(ctx, redacted)
}

func (h *redactionHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	kept := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		if out, keep := h.redact(attr, slog.LevelInfo); keep {
			kept = append(kept, out)
		}
	}
	return &redactionHandler{handler: h.handler.WithAttrs(kept), config: h.config}
}

func (h *redactionHandler) WithGroup(name string) slog.Handler {
	return &redactionHandler{handler: h.handler.WithGroup(name), config: h.config}
}

func (h *redactionHandler) redact(attr slog.Attr, level slog.Level) (slog.Attr, bool) {
	if !h.config.Enabled {
		return attr, true
	}
	for i := range h.config.Rules {
		rule := &h.config.Rules[i]
		if rule.compiled == nil || !rule.compiled.MatchString(attr.Key) || !rule.appliesTo(level) {
			continue
		}
		switch rule.Action {
		case RedactionOmit:
			return slog.Attr{}, false
		case RedactionObfuscate:
			return slog.String(attr.Key, "[REDACTED]"), true
		case RedactionPartial:
			return slog.String(attr.Key, partialRedactValue(attr.Value.String())), true
		}
	}
	return attr, true
}

// SanitizeLogMessage collapses newlines and other control whitespace
func SanitizeLogMessage(message string) string {
	message = strings.NewReplacer("\n", " ", "\r", " ", "\t", " ").Replace(message)
	return strings.TrimSpace(strings.Join(strings.Fields(message), " "))
}

// RedactSensitiveInfo masks a free-form string that looks like a credential
func RedactSensitiveInfo(input string) string {
	if input == "" {
		return input
	}
	config := DefaultRedactionConfig()
	if err := config.CompileRules(); err != nil {
		return input
	}
	for _, rule := range config.Rules {
		if !rule.compiled.MatchString(input) {
			continue
		}
		if rule.Action == RedactionPartial {
			return partialRedactValue(input)
		}
		return "[REDACTED]"
	}
	return input
}
