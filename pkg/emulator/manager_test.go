package emulator

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"scpiemulator/pkg/scpi"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	mgr := NewManager(WithHost("127.0.0.1"))
	mgr.SetInstruments([]*InstrumentEntry{
		{Instrument: scpi.NewInstrument("DMM", "dmm"), Port: 0},
		{Instrument: scpi.NewInstrument("PSU", "psu"), Port: 0},
	})
	t.Cleanup(mgr.StopAll)
	return mgr
}

func TestManagerStartStopAll(t *testing.T) {
	mgr := testManager(t)
	require.NoError(t, mgr.StartAll())

	status := mgr.Status()
	assert.Equal(t, 2, status.System.TotalInstruments)
	assert.Equal(t, 2, status.System.RunningServers)

	mgr.StopAll()
	status = mgr.Status()
	assert.Equal(t, 0, status.System.RunningServers)
}

func TestManagerStartAllWithoutInstruments(t *testing.T) {
	mgr := NewManager()
	assert.Error(t, mgr.StartAll())
}

func TestManagerToleratesPartialStartFailure(t *testing.T) {
	// Occupy a port so one instrument fails to bind.
	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer blocker.Close()
	taken := blocker.Addr().(*net.TCPAddr).Port

	mgr := NewManager(WithHost("127.0.0.1"))
	mgr.SetInstruments([]*InstrumentEntry{
		{Instrument: scpi.NewInstrument("Blocked", "blocked"), Port: taken},
		{Instrument: scpi.NewInstrument("Free", "free"), Port: 0},
	})
	t.Cleanup(mgr.StopAll)

	require.NoError(t, mgr.StartAll())
	assert.Equal(t, 1, mgr.Status().System.RunningServers)
}

func TestManagerFailsWhenNothingStarts(t *testing.T) {
	blocker, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer blocker.Close()
	taken := blocker.Addr().(*net.TCPAddr).Port

	mgr := NewManager(WithHost("127.0.0.1"))
	mgr.SetInstruments([]*InstrumentEntry{
		{Instrument: scpi.NewInstrument("Blocked", "blocked"), Port: taken},
	})
	assert.Error(t, mgr.StartAll())
}

func TestManagerInject(t *testing.T) {
	mgr := testManager(t)

	event, err := mgr.Inject("dmm", "*OPC?")
	require.NoError(t, err)
	assert.Equal(t, "1", event.Response)
	assert.Empty(t, event.Error)

	event, err = mgr.Inject("dmm", "NOPE?")
	require.NoError(t, err)
	assert.Equal(t, "(no response)", event.Response)
	assert.Contains(t, event.Error, "-113,")

	_, err = mgr.Inject("ghost", "*IDN?")
	assert.Error(t, err)

	stats := mgr.Recorder().Stats()
	assert.Equal(t, uint64(2), stats.TotalCommands)
}

func TestManagerRestart(t *testing.T) {
	mgr := testManager(t)
	require.NoError(t, mgr.StartAll())

	require.NoError(t, mgr.Restart("dmm"))
	assert.Equal(t, 2, mgr.Status().System.RunningServers)

	assert.Error(t, mgr.Restart("ghost"))
}

func TestManagerShutdown(t *testing.T) {
	mgr := testManager(t)
	require.NoError(t, mgr.StartAll())
	require.NoError(t, mgr.Shutdown(context.Background()))
	assert.Equal(t, 0, mgr.Status().System.RunningServers)
}
