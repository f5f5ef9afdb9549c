package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"scpiemulator/pkg/emulator"
	"scpiemulator/pkg/scpi"
)

func testRouter(t *testing.T) (*gin.Engine, *emulator.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	inst := scpi.NewInstrument("Test DMM", "test_dmm")
	rule, err := scpi.ParseRule("range:0,10")
	require.NoError(t, err)
	require.NoError(t, inst.AddCommand("VOLT {value}", "OK", rule))
	require.NoError(t, inst.AddCommand("VOLT?", "5.0", nil))
	inst.LinkStatefulCommands()

	mgr := emulator.NewManager(emulator.WithHost("127.0.0.1"))
	mgr.SetInstruments([]*emulator.InstrumentEntry{{
		Instrument: inst,
		Port:       0,
		Commands: []emulator.CommandSpec{
			{Command: "VOLT {value}", Response: "OK", Validation: "range:0,10"},
			{Command: "VOLT?", Response: "5.0"},
		},
	}})
	t.Cleanup(mgr.StopAll)

	router := gin.New()
	installHandlers(router.Group("/api"), mgr, NewHub())
	return router, mgr
}

func perform(router *gin.Engine, method, target, body, contentType string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestGetStatus(t *testing.T) {
	router, _ := testRouter(t)

	w := perform(router, http.MethodGet, "/api/status", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	var got statusModel
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, 1, got.System.TotalInstruments)
	assert.Len(t, got.Instruments, 1)
	assert.Equal(t, "Test DMM", got.Instruments[0].Name)
}

func TestSendCommand(t *testing.T) {
	router, _ := testRouter(t)

	w := perform(router, http.MethodPost, "/api/send_command/test_dmm", `{"command":"VOLT 3"}`, "application/json")
	require.Equal(t, http.StatusOK, w.Code)

	var event emulator.Event
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &event))
	assert.Equal(t, "OK", event.Response)
	assert.Empty(t, event.Error)
}

func TestSendCommandMissingBody(t *testing.T) {
	router, _ := testRouter(t)

	w := perform(router, http.MethodPost, "/api/send_command/test_dmm", `{}`, "application/json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSendCommandUnknownInstrument(t *testing.T) {
	router, _ := testRouter(t)

	w := perform(router, http.MethodPost, "/api/send_command/ghost", `{"command":"*IDN?"}`, "application/json")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListCommands(t *testing.T) {
	router, mgr := testRouter(t)
	_, err := mgr.Inject("test_dmm", "*OPC?")
	require.NoError(t, err)

	w := perform(router, http.MethodGet, "/api/commands?limit=10", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	var got struct {
		Commands []emulator.Event `json:"commands"`
		Stats    emulator.Stats   `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got.Commands, 1)
	assert.Equal(t, "*OPC?", got.Commands[0].Command)
	assert.Equal(t, uint64(1), got.Stats.TotalCommands)
}

func TestStartAndStopAll(t *testing.T) {
	router, _ := testRouter(t)

	w := perform(router, http.MethodPost, "/api/start_all", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	var system emulator.SystemStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &system))
	assert.Equal(t, 1, system.RunningServers)

	w = perform(router, http.MethodPost, "/api/stop_all", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &system))
	assert.Equal(t, 0, system.RunningServers)
}

func TestRestartUnknownInstrument(t *testing.T) {
	router, _ := testRouter(t)

	w := perform(router, http.MethodPost, "/api/restart/ghost", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetInstrument(t *testing.T) {
	router, _ := testRouter(t)

	w := perform(router, http.MethodGet, "/api/instruments/test_dmm", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("ETag"))

	var doc instrumentModel
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, "test_dmm", doc.Id)
	assert.Len(t, doc.Commands, 2)
}

func TestPatchInstrumentIfMatch(t *testing.T) {
	router, _ := testRouter(t)

	current := perform(router, http.MethodGet, "/api/instruments/test_dmm", "", "")
	require.Equal(t, http.StatusOK, current.Code)
	eTag := current.Header().Get("ETag")
	require.NotEmpty(t, eTag)

	patch := `{"name":"Precise DMM"}`

	// A stale revision is rejected before any patching happens.
	req := httptest.NewRequest(http.MethodPatch, "/api/instruments/test_dmm", strings.NewReader(patch))
	req.Header.Set("Content-Type", "application/merge-patch+json")
	req.Header.Set("If-Match", "deadbeef")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)

	// The current revision goes through and the tag moves.
	req = httptest.NewRequest(http.MethodPatch, "/api/instruments/test_dmm", strings.NewReader(patch))
	req.Header.Set("Content-Type", "application/merge-patch+json")
	req.Header.Set("If-Match", eTag)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEqual(t, eTag, w.Header().Get("ETag"))
}

func TestPatchInstrumentMergePatch(t *testing.T) {
	router, mgr := testRouter(t)

	patch := `{"commands":[{"command":"VOLT {value}","response":"OK","validation":"range:0,20"},{"command":"VOLT?","response":"9.0"}]}`
	w := perform(router, http.MethodPatch, "/api/instruments/test_dmm", patch, "application/merge-patch+json")
	require.Equal(t, http.StatusOK, w.Code)

	inst, ok := mgr.Instrument("test_dmm")
	require.True(t, ok)
	assert.Equal(t, "9.0", inst.Process("VOLT?"))
	assert.Equal(t, "OK", inst.Process("VOLT 15"))
}

func TestPatchInstrumentJSONPatch(t *testing.T) {
	router, mgr := testRouter(t)

	patch := `[{"op":"replace","path":"/name","value":"Renamed DMM"}]`
	w := perform(router, http.MethodPatch, "/api/instruments/test_dmm", patch, "application/json-patch+json")
	require.Equal(t, http.StatusOK, w.Code)

	inst, ok := mgr.Instrument("test_dmm")
	require.True(t, ok)
	assert.Equal(t, "Renamed DMM", inst.Name)
}

func TestPatchInstrumentUnsupportedMediaType(t *testing.T) {
	router, _ := testRouter(t)

	w := perform(router, http.MethodPatch, "/api/instruments/test_dmm", `{}`, "text/plain")
	assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
}

func TestPatchInstrumentBadDefinition(t *testing.T) {
	router, _ := testRouter(t)

	patch := `{"commands":[{"command":"VOLT {value}","response":"OK","validation":"range:zz"}]}`
	w := perform(router, http.MethodPatch, "/api/instruments/test_dmm", patch, "application/merge-patch+json")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
