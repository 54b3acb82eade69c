package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	plog "github.com/phuslu/log"
	"github.com/ternarybob/arbor/levels"
	"github.com/ternarybob/arbor/models"
	"github.com/ternarybob/arbor/writers"

	"github.com/ternarybob/curo/internal/common"
	"github.com/ternarybob/curo/internal/interfaces"
)

const (
	// Default buffer size for the WebSocket log queue
	defaultWebSocketBufferSize = 1000
)

// LogEntry is the wire form of one broadcast log line
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// WebSocketWriter is an arbor writer that broadcasts logs to WebSocket clients
type WebSocketWriter struct {
	handler         *WebSocketHandler
	writer          writers.IChannelWriter
	config          models.WriterConfiguration
	minLevel        levels.LogLevel
	excludePatterns []string
}

// NewWebSocketWriter creates a WebSocket arbor writer using the
// ChannelWriter pattern so log broadcasting never blocks a logging call.
func NewWebSocketWriter(handler *WebSocketHandler, config models.WriterConfiguration, wsConfig *common.WebSocketConfig) (*WebSocketWriter, error) {
	minLevel := levels.InfoLevel
	var excludePatterns []string

	if wsConfig != nil {
		minLevel = parseLogLevel(wsConfig.MinLevel)
		excludePatterns = wsConfig.ExcludePatterns
	}
	if len(excludePatterns) == 0 {
		// Suppress the handler's own chatter so broadcasting a log line
		// does not produce another log line.
		excludePatterns = []string{
			"WebSocket client connected",
			"WebSocket client disconnected",
			"HTTP request",
			"HTTP response",
		}
	}

	w := &WebSocketWriter{
		handler:         handler,
		config:          config,
		minLevel:        minLevel,
		excludePatterns: excludePatterns,
	}

	processor := func(entry models.LogEvent) error {
		arborLevel := plogToArborLevel(entry.Level)
		if arborLevel < w.minLevel {
			return nil
		}

		for _, pattern := range w.excludePatterns {
			if strings.Contains(entry.Message, pattern) {
				return nil
			}
		}

		w.handler.Broadcast("log", LogEntry{
			Timestamp: entry.Timestamp.Format("15:04:05"),
			Level:     levelString(arborLevel),
			Message:   entry.Message,
		})
		return nil
	}

	cw, err := writers.NewChannelWriter(config, defaultWebSocketBufferSize, processor)
	if err != nil {
		return nil, err
	}
	cw.Start()

	w.writer = cw
	return w, nil
}

// plogToArborLevel converts phuslu/log.Level to arbor levels.LogLevel
func plogToArborLevel(level plog.Level) levels.LogLevel {
	switch level {
	case plog.ErrorLevel:
		return levels.ErrorLevel
	case plog.WarnLevel:
		return levels.WarnLevel
	case plog.InfoLevel:
		return levels.InfoLevel
	case plog.DebugLevel:
		return levels.DebugLevel
	default:
		return levels.InfoLevel
	}
}

// parseLogLevel converts a string log level to arbor levels.LogLevel
func parseLogLevel(level string) levels.LogLevel {
	switch strings.ToLower(level) {
	case "error":
		return levels.ErrorLevel
	case "warn", "warning":
		return levels.WarnLevel
	case "info":
		return levels.InfoLevel
	case "debug":
		return levels.DebugLevel
	default:
		return levels.InfoLevel
	}
}

// levelString maps arbor log levels to their wire form
func levelString(level levels.LogLevel) string {
	switch level {
	case levels.ErrorLevel:
		return "error"
	case levels.WarnLevel:
		return "warn"
	case levels.InfoLevel:
		return "info"
	case levels.DebugLevel:
		return "debug"
	default:
		return "info"
	}
}

// Write implements the IWriter interface
func (w *WebSocketWriter) Write(data []byte) (int, error) {
	return w.writer.Write(data)
}

// WithLevel updates the minimum log level and returns self
func (w *WebSocketWriter) WithLevel(level plog.Level) writers.IWriter {
	w.minLevel = plogToArborLevel(level)
	return w
}

// GetFilePath returns empty string (not file-based)
func (w *WebSocketWriter) GetFilePath() string {
	return ""
}

// Close performs graceful shutdown with buffer draining
func (w *WebSocketWriter) Close() error {
	return w.writer.Close()
}

// EmitLog queues one log line for broadcast. Entries go through the same
// channel buffer and level/pattern filters as writer traffic.
func (w *WebSocketWriter) EmitLog(level plog.Level, message string) {
	entry := models.LogEvent{
		Level:     level,
		Timestamp: time.Now(),
		Message:   message,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	w.Write(data)
}

// SubscribeJobEvents mirrors job lifecycle events as human-readable log
// lines on the "log" stream, alongside the structured event broadcasts.
func (w *WebSocketWriter) SubscribeJobEvents(events interfaces.EventService) {
	if events == nil {
		return
	}

	events.Subscribe(interfaces.EventJobCreated, func(ctx context.Context, event interfaces.Event) error {
		if payload, ok := event.Payload.(map[string]interface{}); ok {
			w.EmitLog(plog.InfoLevel, fmt.Sprintf("Job %v created (%v)", payload["job_id"], payload["type"]))
		}
		return nil
	})

	events.Subscribe(interfaces.EventJobStatusChange, func(ctx context.Context, event interfaces.Event) error {
		payload, ok := event.Payload.(map[string]interface{})
		if !ok {
			return nil
		}
		level := plog.InfoLevel
		if payload["status"] == "failed" {
			level = plog.WarnLevel
		}
		w.EmitLog(level, fmt.Sprintf("Job %v is %v", payload["job_id"], payload["status"]))
		return nil
	})

	events.Subscribe(interfaces.EventOperationCompleted, func(ctx context.Context, event interfaces.Event) error {
		if payload, ok := event.Payload.(map[string]interface{}); ok {
			w.EmitLog(plog.DebugLevel, fmt.Sprintf("Operation %v of job %v finished as %v",
				payload["operation_id"], payload["job_id"], payload["status"]))
		}
		return nil
	})
}
