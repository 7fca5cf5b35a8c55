package command

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"firestige.xyz/cilab/internal/core"
	"firestige.xyz/cilab/internal/housekeeping"
)

var requestSeq atomic.Uint64

// UDSClient is a JSON-RPC client over a Unix domain socket.
type UDSClient struct {
	socketPath string
	timeout    time.Duration
}

// NewUDSClient creates a new UDS client; timeout 0 selects 10s.
func NewUDSClient(socketPath string, timeout time.Duration) *UDSClient {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &UDSClient{socketPath: socketPath, timeout: timeout}
}

// Call sends one request and waits for its response. The raw result is
// returned undecoded.
func (c *UDSClient) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var d net.Dialer
	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := d.DialContext(dialCtx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to socket %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetDeadline(deadline)

	req := JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		ID:      fmt.Sprintf("req-%d", requestSeq.Add(1)),
	}
	if params != nil {
		if req.Params, err = json.Marshal(params); err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), 1<<20)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		return nil, fmt.Errorf("connection closed without response")
	}

	var resp struct {
		ID     any             `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  *ErrorInfo      `json:"error"`
	}
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if got := fmt.Sprintf("%v", resp.ID); got != req.ID {
		return nil, fmt.Errorf("response ID mismatch: expected %v, got %v", req.ID, got)
	}
	if resp.Error != nil {
		return nil, &RemoteError{Method: method, Info: *resp.Error}
	}
	return resp.Result, nil
}

// RemoteError is a JSON-RPC error returned by the daemon.
type RemoteError struct {
	Method string
	Info   ErrorInfo
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s failed (%d): %s", e.Method, e.Info.Code, e.Info.Message)
}

func callInto[T any](ctx context.Context, c *UDSClient, method string) (T, error) {
	var out T
	raw, err := c.Call(ctx, method, nil)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return out, nil
}

// Noop sends the noop command.
func (c *UDSClient) Noop(ctx context.Context) (core.CounterSnapshot, error) {
	return callInto[core.CounterSnapshot](ctx, c, MethodNoop)
}

// ResetCounters sends the reset_counters command.
func (c *UDSClient) ResetCounters(ctx context.Context) (core.CounterSnapshot, error) {
	return callInto[core.CounterSnapshot](ctx, c, MethodResetCounters)
}

// Housekeeping requests a housekeeping report.
func (c *UDSClient) Housekeeping(ctx context.Context) (housekeeping.Report, error) {
	return callInto[housekeeping.Report](ctx, c, MethodHousekeeping)
}

// Status returns the daemon status.
func (c *UDSClient) Status(ctx context.Context) (Status, error) {
	return callInto[Status](ctx, c, MethodDaemonStatus)
}

// Shutdown asks the daemon to stop.
func (c *UDSClient) Shutdown(ctx context.Context) error {
	_, err := c.Call(ctx, MethodDaemonShutdown, nil)
	return err
}
