// Package command implements the command intake: ground commands addressed
// to the ingest application and local control plane requests.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"firestige.xyz/cilab/internal/core"
	"firestige.xyz/cilab/internal/housekeeping"
)

// Version is reported by daemon_status.
var Version = "0.1.0"

// Methods understood by CommandHandler.
const (
	MethodNoop           = "noop"
	MethodResetCounters  = "reset_counters"
	MethodHousekeeping   = "housekeeping"
	MethodDaemonStatus   = "daemon_status"
	MethodDaemonShutdown = "daemon_shutdown"
)

// Uplink is the part of the pump driven by commands.
type Uplink interface {
	ResetCounters()
	Counters() core.CounterSnapshot
	BufferedBytes() int
	PublishPending() bool
}

// HousekeepingSender publishes a housekeeping report on demand.
type HousekeepingSender interface {
	Send(ctx context.Context) (housekeeping.Report, error)
}

// Info describes the running daemon for daemon_status.
type Info struct {
	Node    string `json:"node"`
	Source  string `json:"source"`
	Decoder string `json:"decoder"`
	Bus     string `json:"bus"`
}

// CommandHandler handles commands. noop and reset_counters are ground
// commands and move the command counters; the others are control plane
// requests and leave them alone. Unknown methods count as command errors.
type CommandHandler struct {
	uplink       Uplink
	counters     *core.IngestCounters
	hk           HousekeepingSender
	info         Info
	shutdownFunc func() // called by daemon_shutdown
	startTime    time.Time
}

// NewCommandHandler creates a handler. counters must be the pump's counters.
func NewCommandHandler(uplink Uplink, counters *core.IngestCounters, hk HousekeepingSender, info Info) *CommandHandler {
	return &CommandHandler{
		uplink:    uplink,
		counters:  counters,
		hk:        hk,
		info:      info,
		startTime: time.Now(),
	}
}

// SetShutdownFunc sets the callback invoked by the daemon_shutdown command.
func (h *CommandHandler) SetShutdownFunc(fn func()) {
	h.shutdownFunc = fn
}

// Command represents a command from any channel.
type Command struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     string          `json:"id"`
}

// Response represents a command response.
type Response struct {
	ID     string     `json:"id"`
	Result any        `json:"result,omitempty"`
	Error  *ErrorInfo `json:"error,omitempty"`
}

// ErrorInfo represents an error in the response.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// JSON-RPC error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

func errorResponse(id string, code int, format string, args ...any) Response {
	return Response{ID: id, Error: &ErrorInfo{Code: code, Message: fmt.Sprintf(format, args...)}}
}

// Handle processes a command and returns a response.
func (h *CommandHandler) Handle(ctx context.Context, cmd Command) Response {
	slog.Info("handling command", "method", cmd.Method, "id", cmd.ID)

	switch cmd.Method {
	case MethodNoop:
		return h.handleNoop(cmd)
	case MethodResetCounters:
		return h.handleResetCounters(cmd)
	case MethodHousekeeping:
		return h.handleHousekeeping(ctx, cmd)
	case MethodDaemonStatus:
		return h.handleDaemonStatus(cmd)
	case MethodDaemonShutdown:
		return h.handleDaemonShutdown(cmd)
	default:
		h.counters.CommandErrorCounter.Add(1)
		slog.Warn("unknown command", "method", cmd.Method, "id", cmd.ID)
		return errorResponse(cmd.ID, ErrCodeMethodNotFound, "%v: method %q not found", core.ErrUnknownCommand, cmd.Method)
	}
}

// hasParams reports whether a ground command carried arguments; neither
// noop nor reset_counters takes any.
func hasParams(raw json.RawMessage) bool {
	s := string(raw)
	return len(raw) > 0 && s != "null" && s != "{}"
}

func (h *CommandHandler) handleNoop(cmd Command) Response {
	if hasParams(cmd.Params) {
		h.counters.CommandErrorCounter.Add(1)
		return errorResponse(cmd.ID, ErrCodeInvalidParams, "noop takes no params")
	}
	h.counters.CommandCounter.Add(1)
	slog.Info("noop command received", "version", Version)
	return Response{ID: cmd.ID, Result: h.uplink.Counters()}
}

func (h *CommandHandler) handleResetCounters(cmd Command) Response {
	if hasParams(cmd.Params) {
		h.counters.CommandErrorCounter.Add(1)
		return errorResponse(cmd.ID, ErrCodeInvalidParams, "reset_counters takes no params")
	}
	h.uplink.ResetCounters()
	return Response{ID: cmd.ID, Result: h.uplink.Counters()}
}

func (h *CommandHandler) handleHousekeeping(ctx context.Context, cmd Command) Response {
	if h.hk == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "housekeeping not available")
	}
	rep, err := h.hk.Send(ctx)
	if err != nil {
		// The report is still useful to the caller.
		slog.Warn("housekeeping requested but not published", "error", err)
	}
	return Response{ID: cmd.ID, Result: rep}
}

// Status is the daemon_status result.
type Status struct {
	Info
	Version        string               `json:"version"`
	UptimeSec      int64                `json:"uptime_sec"`
	Counters       core.CounterSnapshot `json:"counters"`
	BufferedBytes  int                  `json:"buffered_bytes"`
	PublishPending bool                 `json:"publish_pending"`
}

func (h *CommandHandler) handleDaemonStatus(cmd Command) Response {
	return Response{
		ID: cmd.ID,
		Result: Status{
			Info:           h.info,
			Version:        Version,
			UptimeSec:      int64(time.Since(h.startTime).Seconds()),
			Counters:       h.uplink.Counters(),
			BufferedBytes:  h.uplink.BufferedBytes(),
			PublishPending: h.uplink.PublishPending(),
		},
	}
}

// handleDaemonShutdown triggers graceful daemon shutdown via the registered callback.
func (h *CommandHandler) handleDaemonShutdown(cmd Command) Response {
	if h.shutdownFunc == nil {
		return errorResponse(cmd.ID, ErrCodeInternalError, "shutdown handler not registered")
	}

	slog.Info("daemon_shutdown command received, initiating graceful shutdown")
	go h.shutdownFunc() // let the response be sent first

	return Response{ID: cmd.ID, Result: map[string]any{"status": "shutting_down"}}
}
