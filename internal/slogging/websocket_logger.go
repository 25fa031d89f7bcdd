package slogging

import (
	"context"
	"encoding/json"
	"log/slog"
)

// WebSocketLoggingConfig holds configuration for WebSocket message logging
type WebSocketLoggingConfig struct {
	Enabled        bool
	RedactTokens   bool
	MaxMessageSize int64 // bytes; larger frames are summarized
}

// WSMessageDirection indicates the direction of the WebSocket message
type WSMessageDirection string

const (
	WSMessageInbound  WSMessageDirection = "INBOUND"
	WSMessageOutbound WSMessageDirection = "OUTBOUND"
)

// LogWebSocketMessage logs a frame at debug level, redacting credential fields
func LogWebSocketMessage(direction WSMessageDirection, connectionID, userID, messageType string, data []byte, config WebSocketLoggingConfig) {
	logger := Get()
	if !config.Enabled || logger.level > LogLevelDebug {
		return
	}

	attrs := []slog.Attr{
		slog.String("direction", string(direction)),
		slog.String("connection_id", connectionID),
		slog.String("user_id", userID),
		slog.String("message_type", messageType),
		slog.Int("size_bytes", len(data)),
	}

	if config.MaxMessageSize > 0 && int64(len(data)) > config.MaxMessageSize {
		attrs = append(attrs, slog.Bool("truncated", true))
		logger.DebugCtx(context.Background(), "WebSocket message", attrs...)
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		attrs = append(attrs, slog.String("message_content", RedactSensitiveInfo(string(data))))
	} else {
		if config.RedactTokens {
			payload = redactJSONData(payload)
		}
		attrs = append(attrs, slog.Any("message_data", payload))
	}
	logger.DebugCtx(context.Background(), "WebSocket message", attrs...)
}

// RedactWebSocketMessage applies redaction rules to a raw frame
func RedactWebSocketMessage(message string) string {
	if message == "" {
		return message
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(message), &payload); err == nil {
		if out, err := json.Marshal(redactJSONData(payload)); err == nil {
			return string(out)
		}
	}
	return RedactSensitiveInfo(message)
}

func redactJSONData(data map[string]any) map[string]any {
	config := DefaultRedactionConfig()
	if err := config.CompileRules(); err != nil {
		return data
	}
	return redactWith(&config, data)
}

func redactWith(config *RedactionConfig, data map[string]any) map[string]any {
	result := make(map[string]any, len(data))
	for key, value := range data {
		matched := false
		for _, rule := range config.Rules {
			if rule.compiled == nil || !rule.compiled.MatchString(key) {
				continue
			}
			matched = true
			switch rule.Action {
			case RedactionOmit:
			case RedactionObfuscate:
				result[key] = "[REDACTED]"
			case RedactionPartial:
				if s, ok := value.(string); ok {
					result[key] = partialRedactValue(s)
				} else {
					result[key] = "[REDACTED]"
				}
			}
			break
		}
		if matched {
			continue
		}
		switch v := value.(type) {
		case map[string]any:
			result[key] = redactWith(config, v)
		case []any:
			items := make([]any, len(v))
			for i, item := range v {
				if m, ok := item.(map[string]any); ok {
					items[i] = redactWith(config, m)
				} else {
					items[i] = item
				}
			}
			result[key] = items
		default:
			result[key] = value
		}
	}
	return result
}

// LogWebSocketConnection logs connection lifecycle events
func LogWebSocketConnection(event, connectionID, userID, deviceID string) {
	Get().InfoCtx(context.Background(), "WebSocket connection event",
		slog.String("event", event),
		slog.String("connection_id", connectionID),
		slog.String("user_id", userID),
		slog.String("device_id", deviceID),
	)
}
