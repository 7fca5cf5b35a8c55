package command

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/cilab/internal/core"
	"firestige.xyz/cilab/internal/housekeeping"
)

type stubUplink struct {
	counters *core.IngestCounters
	buffered int
	pending  bool
	resets   int
}

func (u *stubUplink) ResetCounters() {
	u.resets++
	u.counters.Reset()
}

func (u *stubUplink) Counters() core.CounterSnapshot { return u.counters.Snapshot() }
func (u *stubUplink) BufferedBytes() int { return u.buffered }
func (u *stubUplink) PublishPending() bool { return u.pending }

type stubHousekeeping struct {
	report housekeeping.Report
	err    error
	calls  int
}

func (s *stubHousekeeping) Send(context.Context) (housekeeping.Report, error) {
	s.calls++
	return s.report, s.err
}

func newTestHandler() (*CommandHandler, *stubUplink, *stubHousekeeping) {
	counters := &core.IngestCounters{}
	up := &stubUplink{counters: counters, buffered: 12}
	hk := &stubHousekeeping{report: housekeeping.Report{Node: "gs-01"}}
	h := NewCommandHandler(up, counters, hk, Info{Node: "gs-01", Source: "udp", Decoder: "ccsds", Bus: "memory"})
	return h, up, hk
}

func TestHandle_Noop(t *testing.T) {
	h, up, _ := newTestHandler()
	up.counters.IngestPackets.Store(3)

	resp := h.Handle(testContext(t), Command{Method: MethodNoop, ID: "1"})
	require.Nil(t, resp.Error)
	assert.Equal(t, "1", resp.ID)

	snap, ok := resp.Result.(core.CounterSnapshot)
	require.True(t, ok)
	assert.Equal(t, uint32(1), snap.CommandCounter)
	assert.Equal(t, uint32(3), snap.IngestPackets)
}

func TestHandle_NoopWithParams(t *testing.T) {
	h, up, _ := newTestHandler()

	resp := h.Handle(testContext(t), Command{Method: MethodNoop, Params: json.RawMessage(`{"x":1}`)})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidParams, resp.Error.Code)
	assert.Equal(t, uint32(0), up.counters.CommandCounter.Load())
	assert.Equal(t, uint32(1), up.counters.CommandErrorCounter.Load())

	// empty params are accepted
	resp = h.Handle(testContext(t), Command{Method: MethodNoop, Params: json.RawMessage(`{}`)})
	assert.Nil(t, resp.Error)
}

func TestHandle_ResetCounters(t *testing.T) {
	h, up, _ := newTestHandler()
	up.counters.CommandCounter.Store(5)
	up.counters.CommandErrorCounter.Store(2)
	up.counters.IngestPackets.Store(9)
	up.counters.IngestErrors.Store(1)

	resp := h.Handle(testContext(t), Command{Method: MethodResetCounters})
	require.Nil(t, resp.Error)
	assert.Equal(t, 1, up.resets)
	assert.Equal(t, core.CounterSnapshot{}, resp.Result)
}

func TestHandle_UnknownMethod(t *testing.T) {
	h, up, _ := newTestHandler()

	resp := h.Handle(testContext(t), Command{Method: "self_destruct", ID: "x"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeMethodNotFound, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, core.ErrUnknownCommand.Error())
	assert.Equal(t, uint32(1), up.counters.CommandErrorCounter.Load())
	assert.Equal(t, uint32(0), up.counters.CommandCounter.Load())
}

func TestHandle_Housekeeping(t *testing.T) {
	h, up, hk := newTestHandler()

	resp := h.Handle(testContext(t), Command{Method: MethodHousekeeping})
	require.Nil(t, resp.Error)
	assert.Equal(t, hk.report, resp.Result)
	assert.Equal(t, 1, hk.calls)

	// a publish failure still returns the report
	hk.err = errors.New("bus closed")
	resp = h.Handle(testContext(t), Command{Method: MethodHousekeeping})
	require.Nil(t, resp.Error)
	assert.Equal(t, hk.report, resp.Result)

	// control plane requests leave the command counters alone
	assert.Equal(t, core.CounterSnapshot{}, up.counters.Snapshot())
}

func TestHandle_HousekeepingUnavailable(t *testing.T) {
	counters := &core.IngestCounters{}
	h := NewCommandHandler(&stubUplink{counters: counters}, counters, nil, Info{})

	resp := h.Handle(testContext(t), Command{Method: MethodHousekeeping})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInternalError, resp.Error.Code)
}

func TestHandle_DaemonStatus(t *testing.T) {
	h, up, _ := newTestHandler()
	up.pending = true

	resp := h.Handle(testContext(t), Command{Method: MethodDaemonStatus})
	require.Nil(t, resp.Error)

	st, ok := resp.Result.(Status)
	require.True(t, ok)
	assert.Equal(t, "gs-01", st.Node)
	assert.Equal(t, "ccsds", st.Decoder)
	assert.Equal(t, Version, st.Version)
	assert.Equal(t, 12, st.BufferedBytes)
	assert.True(t, st.PublishPending)
}

func TestHandle_DaemonShutdown(t *testing.T) {
	h, _, _ := newTestHandler()

	resp := h.Handle(testContext(t), Command{Method: MethodDaemonShutdown})
	require.NotNil(t, resp.Error, "no shutdown func registered")

	called := make(chan struct{})
	h.SetShutdownFunc(func() { close(called) })
	resp = h.Handle(testContext(t), Command{Method: MethodDaemonShutdown})
	require.Nil(t, resp.Error)

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("shutdown func not called")
	}
}
