package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"firestige.xyz/cilab/internal/command"
	"firestige.xyz/cilab/internal/core"
	"firestige.xyz/cilab/internal/housekeeping"
)

// MockClient implements ControlClient
type MockClient struct {
	mock.Mock
}

func (m *MockClient) Noop(ctx context.Context) (core.CounterSnapshot, error) {
	args := m.Called(ctx)
	return args.Get(0).(core.CounterSnapshot), args.Error(1)
}

func (m *MockClient) ResetCounters(ctx context.Context) (core.CounterSnapshot, error) {
	args := m.Called(ctx)
	return args.Get(0).(core.CounterSnapshot), args.Error(1)
}

func (m *MockClient) Housekeeping(ctx context.Context) (housekeeping.Report, error) {
	args := m.Called(ctx)
	return args.Get(0).(housekeeping.Report), args.Error(1)
}

func (m *MockClient) Status(ctx context.Context) (command.Status, error) {
	args := m.Called(ctx)
	return args.Get(0).(command.Status), args.Error(1)
}

func (m *MockClient) Shutdown(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func TestRunNoop(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("Noop", mock.Anything).Return(core.CounterSnapshot{CommandCounter: 3}, nil)

	var buf bytes.Buffer
	require.NoError(t, runNoop(context.Background(), mockClient, &buf))
	assert.Contains(t, buf.String(), "command counter 3")
	mockClient.AssertExpectations(t)
}

func TestRunNoop_Failure(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("Noop", mock.Anything).Return(core.CounterSnapshot{}, errors.New("connection refused"))

	var buf bytes.Buffer
	err := runNoop(context.Background(), mockClient, &buf)
	assert.ErrorContains(t, err, "connection refused")
	assert.Empty(t, buf.String())
}

func TestRunResetCounters(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("ResetCounters", mock.Anything).Return(core.CounterSnapshot{}, nil)

	var buf bytes.Buffer
	require.NoError(t, runResetCounters(context.Background(), mockClient, &buf))
	assert.Contains(t, buf.String(), "✓ Counters reset")
	assert.Contains(t, buf.String(), "ingest_packets: 0")
	mockClient.AssertExpectations(t)
}

func TestRunCounters(t *testing.T) {
	rep := housekeeping.Report{
		Node:          "gs-01",
		Counters:      core.CounterSnapshot{CommandCounter: 2, IngestPackets: 17, IngestErrors: 1},
		BufferedBytes: 42,
	}
	mockClient := new(MockClient)
	mockClient.On("Housekeeping", mock.Anything).Return(rep, nil)

	var buf bytes.Buffer
	require.NoError(t, runCounters(context.Background(), mockClient, &buf))

	var got map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "gs-01", got["node"])
	assert.Equal(t, 42, got["buffered_bytes"])
	counters := got["counters"].(map[string]any)
	assert.Equal(t, 17, counters["ingest_packets"])
}

func TestRunStatus(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("Status", mock.Anything).Return(command.Status{
		Info:    command.Info{Node: "gs-01", Source: "udp", Decoder: "ccsds", Bus: "kafka"},
		Version: "0.1.0",
	}, nil)

	var buf bytes.Buffer
	require.NoError(t, runStatus(context.Background(), mockClient, &buf))
	assert.Contains(t, buf.String(), `"bus": "kafka"`)
	assert.Contains(t, buf.String(), `"version": "0.1.0"`)
}

func TestRunStop_ViaSocket(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("Shutdown", mock.Anything).Return(nil)

	var buf bytes.Buffer
	require.NoError(t, runStop(context.Background(), mockClient, "/unused.pid", &buf))
	assert.Contains(t, buf.String(), "Shutdown requested")
}

func TestRunStop_FallsBackToSignal(t *testing.T) {
	orig := stopBySignal
	t.Cleanup(func() { stopBySignal = orig })

	var gotPID string
	stopBySignal = func(pidFile string, _ time.Duration) error {
		gotPID = pidFile
		return nil
	}

	mockClient := new(MockClient)
	mockClient.On("Shutdown", mock.Anything).Return(errors.New("no such file"))

	var buf bytes.Buffer
	require.NoError(t, runStop(context.Background(), mockClient, "/run/cilab.pid", &buf))
	assert.Equal(t, "/run/cilab.pid", gotPID)
	assert.Contains(t, buf.String(), "Daemon stopped")

	stopBySignal = func(string, time.Duration) error { return errors.New("not running") }
	err := runStop(context.Background(), mockClient, "/run/cilab.pid", &buf)
	assert.ErrorContains(t, err, "not running")
}

func TestRunReload(t *testing.T) {
	orig := signalProcess
	t.Cleanup(func() { signalProcess = orig })

	var gotPID int
	var gotSig syscall.Signal
	signalProcess = func(pid int, sig syscall.Signal) error {
		gotPID, gotSig = pid, sig
		return nil
	}

	pidPath := filepath.Join(t.TempDir(), "cilab.pid")
	require.NoError(t, os.WriteFile(pidPath, []byte("31337\n"), 0o644))

	var buf bytes.Buffer
	require.NoError(t, runReload(pidPath, &buf))
	assert.Equal(t, 31337, gotPID)
	assert.Equal(t, syscall.SIGHUP, gotSig)
	assert.Contains(t, buf.String(), "Reload signal sent")

	assert.Error(t, runReload(filepath.Join(t.TempDir(), "missing.pid"), &buf))
}

func TestRunValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yml")
	require.NoError(t, os.WriteFile(good, []byte(`
cilab:
  node:
    hostname: gs-07
  uplink:
    idle_threshold: 6s
  bus:
    type: memory
`), 0o644))

	var buf bytes.Buffer
	require.NoError(t, runValidate(good, &buf))
	assert.Contains(t, buf.String(), `VALID: node "gs-07"`)
	assert.Contains(t, buf.String(), "idle threshold 6s")

	bad := filepath.Join(dir, "bad.yml")
	require.NoError(t, os.WriteFile(bad, []byte(`
cilab:
  uplink:
    on_publish_failure: ignore
`), 0o644))
	err := runValidate(bad, &buf)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}

func TestLoadConfigOrDefault(t *testing.T) {
	cfg, err := loadConfigOrDefault(filepath.Join(t.TempDir(), "absent.yml"))
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.Uplink.ReassemblyCapacity)

	bad := filepath.Join(t.TempDir(), "bad.yml")
	require.NoError(t, os.WriteFile(bad, []byte("cilab:\n  log:\n    level: loud\n"), 0o644))
	_, err = loadConfigOrDefault(bad)
	assert.Error(t, err)
}

func TestResolveSocket(t *testing.T) {
	origSocket, origConfig := socketPath, configFile
	t.Cleanup(func() { socketPath, configFile = origSocket, origConfig })

	socketPath = "/tmp/flag.sock"
	assert.Equal(t, "/tmp/flag.sock", resolveSocket())

	dir := t.TempDir()
	configFile = filepath.Join(dir, "cilab.yml")
	require.NoError(t, os.WriteFile(configFile, []byte("cilab:\n  control:\n    socket: /tmp/cfg.sock\n"), 0o644))
	socketPath = ""
	assert.Equal(t, "/tmp/cfg.sock", resolveSocket())

	configFile = filepath.Join(dir, "absent.yml")
	assert.Equal(t, defaultSocketPath, resolveSocket())
}
