package scpi

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInstrument(t *testing.T) *Instrument {
	t.Helper()
	inst := NewInstrument("Keysight 34461A DMM", "keysight_34461a_dmm")

	rangeRule, err := ParseRule("range:0,10")
	require.NoError(t, err)
	require.NoError(t, inst.AddCommand("VOLT {value}", "OK", rangeRule))
	require.NoError(t, inst.AddCommand("VOLT?", "5.0", nil))
	require.NoError(t, inst.AddCommand("MEAS:VOLT:DC?", "1.234567E+00", nil))

	enumRule, err := ParseRule("enum:A,B,C")
	require.NoError(t, err)
	require.NoError(t, inst.AddCommand("TEST_ENUM (.+)", "Enum OK: {value}", enumRule))

	inst.LinkStatefulCommands()
	return inst
}

func TestErrorQueueStartsEmpty(t *testing.T) {
	inst := NewInstrument("dmm", "dmm_1")
	assert.Equal(t, `0,"No error"`, inst.Process("SYST:ERR?"))
}

func TestIdentification(t *testing.T) {
	inst := NewInstrument("dmm", "dmm_1")
	resp := inst.Process("*IDN?")
	assert.Equal(t, "SCPI_Emulator,dmm,dmm_1,2.3.0", resp)
	assert.Equal(t, "1", inst.Process("*OPC?"))
	assert.Equal(t, "0", inst.Process("*TST?"))
	assert.Equal(t, "1999.0", inst.Process("SYST:VERS?"))
	assert.Equal(t, "0", inst.Process("*ESE?"))
	assert.Equal(t, "0", inst.Process("*STB?"))
}

func TestStatefulSetQuery(t *testing.T) {
	inst := newTestInstrument(t)

	// Query before any SET returns the captured default.
	assert.Equal(t, "5.0", inst.Process("VOLT?"))

	assert.Equal(t, "OK", inst.Process("VOLT 7"))
	assert.Equal(t, "7", inst.Process("VOLT?"))

	assert.Equal(t, "OK", inst.Process("volt 3.5"))
	assert.Equal(t, "3.5", inst.Process("VOLT?"))
}

func TestStatefulSetValidationFailure(t *testing.T) {
	inst := newTestInstrument(t)

	assert.Equal(t, "", inst.Process("VOLT 11"))
	assert.Contains(t, inst.Process("SYST:ERR?"), "-222,")
	// Rejected writes must not touch the register.
	assert.Equal(t, "5.0", inst.Process("VOLT?"))

	assert.Equal(t, "", inst.Process("VOLT abc"))
	assert.Contains(t, inst.Process("SYST:ERR?"), "-104,")
	assert.Equal(t, `0,"No error"`, inst.Process("SYST:ERR?"))
}

func TestErrorQueueIsFIFO(t *testing.T) {
	inst := newTestInstrument(t)
	inst.Process("VOLT 11")
	inst.Process("VOLT abc")

	first := inst.Process("SYST:ERR?")
	second := inst.Process("SYST:ERR?")
	assert.Contains(t, first, "-222,")
	assert.Contains(t, second, "-104,")
	assert.Equal(t, `0,"No error"`, inst.Process("SYST:ERR?"))
}

func TestDeviceClearRestoresDefaults(t *testing.T) {
	inst := newTestInstrument(t)

	assert.Equal(t, "OK", inst.Process("VOLT 9"))
	assert.Equal(t, "9", inst.Process("VOLT?"))

	inst.VisaDeviceClear()
	assert.Equal(t, "5.0", inst.Process("VOLT?"))

	// Clearing twice keeps the original default, never a re-derived one.
	assert.Equal(t, "OK", inst.Process("VOLT 2"))
	inst.VisaDeviceClear()
	inst.VisaDeviceClear()
	assert.Equal(t, "5.0", inst.Process("VOLT?"))
}

func TestLinkIsIdempotent(t *testing.T) {
	inst := newTestInstrument(t)

	inst.Process("VOLT 8")
	inst.LinkStatefulCommands()
	// The stored value survives relinking; only device clear resets it.
	assert.Equal(t, "8", inst.Process("VOLT?"))

	inst.VisaDeviceClear()
	assert.Equal(t, "5.0", inst.Process("VOLT?"))
}

func TestChainedCommands(t *testing.T) {
	inst := newTestInstrument(t)

	// *RST produces no segment, so the chain yields only the *IDN? response.
	resp := inst.Process("*RST;*IDN?")
	assert.Equal(t, "SCPI_Emulator,Keysight 34461A DMM,keysight_34461a_dmm,2.3.0", resp)
	assert.False(t, strings.HasPrefix(resp, ";"))

	resp = inst.Process("VOLT 4; VOLT?")
	assert.Equal(t, "OK;4", resp)
}

func TestUndefinedHeader(t *testing.T) {
	inst := newTestInstrument(t)

	assert.Equal(t, "", inst.Process("FOO?"))
	errResp := inst.Process("SYST:ERR?")
	assert.Contains(t, errResp, "-113,")
	assert.Contains(t, errResp, "Undefined header; FOO?")
}

func TestPatternMatchingIsAnchored(t *testing.T) {
	inst := newTestInstrument(t)

	assert.Equal(t, "", inst.Process("VOLTAGE 5"))
	assert.Contains(t, inst.Process("SYST:ERR?"), "-113,")

	assert.Equal(t, "", inst.Process("XVOLT 5"))
	assert.Contains(t, inst.Process("SYST:ERR?"), "-113,")
}

func TestTemplateSubstitution(t *testing.T) {
	inst := NewInstrument("debug", "debug_1")
	require.NoError(t, inst.AddCommand("ECHO (.+)", "Echo: {value}", nil))

	assert.Equal(t, "Echo: HELLO", inst.Process("echo hello"))
}

func TestUnlinkedValidationStillApplies(t *testing.T) {
	inst := NewInstrument("debug", "debug_1")
	rule, err := ParseRule("bool")
	require.NoError(t, err)
	// No matching query literal, so the pattern is never linked.
	require.NoError(t, inst.AddCommand("OUTP {value}", "Output {value}", rule))

	assert.Equal(t, "Output ON", inst.Process("OUTP on"))
	assert.Equal(t, "", inst.Process("OUTP maybe"))
	assert.Contains(t, inst.Process("SYST:ERR?"), "-108,")
}

func TestReAddOverwritesCommand(t *testing.T) {
	inst := NewInstrument("debug", "debug_1")
	require.NoError(t, inst.AddCommand("FREQ?", "50", nil))
	require.NoError(t, inst.AddCommand("freq?", "60", nil))

	assert.Equal(t, "60", inst.Process("FREQ?"))
}

func TestFirstRegisteredPatternWins(t *testing.T) {
	inst := NewInstrument("debug", "debug_1")
	require.NoError(t, inst.AddCommand("CONF:(.+)", "first", nil))
	require.NoError(t, inst.AddCommand("CONF:VOLT (.+)", "second", nil))

	assert.Equal(t, "first", inst.Process("CONF:VOLT 5"))
}

func TestClearStatusDrainsStateAndErrors(t *testing.T) {
	inst := newTestInstrument(t)
	inst.Process("FOO?")
	inst.Process("VOLT 6")

	assert.Equal(t, "", inst.Process("*CLS"))
	assert.Equal(t, `0,"No error"`, inst.Process("SYST:ERR?"))
	// *CLS drops stored values but not captured defaults.
	assert.Equal(t, "5.0", inst.Process("VOLT?"))
}

func TestConcurrentDispatch(t *testing.T) {
	inst := newTestInstrument(t)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 100; n++ {
				inst.Process("VOLT 7")
				inst.Process("VOLT?")
				inst.Process("MEAS:VOLT:DC?")
			}
		}()
	}
	wg.Wait()

	snap := inst.Snapshot()
	assert.Equal(t, uint64(8*300), snap.Commands)
}
