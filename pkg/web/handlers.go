package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"strconv"
	"strings"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"
	"scpiemulator/pkg/apis"
	"scpiemulator/pkg/apis/response"
	"scpiemulator/pkg/emulator"
	"scpiemulator/pkg/scpi"
)

var patchTypes = sets.NewString(string(types.JSONPatchType), string(types.MergePatchType))

const (
	maxJSONPatchOperations = 100
	defaultCommandLimit    = 50
)

func installHandlers(group *gin.RouterGroup, mgr *emulator.Manager, hub *Hub) {
	group.GET("/status", getStatus(mgr))
	group.GET("/commands", listCommands(mgr))
	group.GET("/instruments/:id", getInstrumentById(mgr))
	group.PATCH("/instruments/:id", patchInstrumentById(mgr))
	group.POST("/start_all", startAll(mgr))
	group.POST("/stop_all", stopAll(mgr))
	group.POST("/restart/:id", restartInstrumentById(mgr))
	group.POST("/send_command/:id", sendCommandById(mgr))
	group.GET("/live", hub.Handle)
}

type hostUsage struct {
	CpuPercent  float64 `json:"cpuPercent"`
	MemPercent  float64 `json:"memPercent"`
	DiskPercent float64 `json:"diskPercent"`
}

type statusModel struct {
	emulator.Status
	Host hostUsage `json:"host"`
}

// instrumentModel is the declarative, patchable form of one instrument.
type instrumentModel struct {
	Name     string                 `json:"name"`
	Id       string                 `json:"id"`
	Port     int                    `json:"port,omitempty"`
	Serial   string                 `json:"serial,omitempty"`
	Commands []emulator.CommandSpec `json:"commands"`
}

func getStatus(mgr *emulator.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, &statusModel{Status: mgr.Status(), Host: sampleHostUsage()})
	}
}

func sampleHostUsage() hostUsage {
	var usage hostUsage
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		usage.CpuPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		usage.MemPercent = vm.UsedPercent
	}
	if du, err := disk.Usage("/"); err == nil {
		usage.DiskPercent = du.UsedPercent
	}
	return usage
}

func listCommands(mgr *emulator.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := defaultCommandLimit
		if v := c.Query(apis.Limit); len(v) > 0 {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"commands": mgr.Recorder().Recent(limit),
			"stats":    mgr.Recorder().Stats(),
		})
	}
}

func getInstrumentById(mgr *emulator.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		entry, ok := mgr.Describe(id)
		if !ok {
			c.JSON(http.StatusNotFound, response.NewMultiError(response.ErrInstrumentNotFound(id)))
			return
		}
		doc := describeEntry(id, entry)
		c.Header(apis.ETag, entryETag(doc))
		c.JSON(http.StatusOK, doc)
	}
}

func patchInstrumentById(mgr *emulator.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Request.Body.Close()

		contentType := c.GetHeader("Content-Type")
		// Remove "; charset=" if included in header.
		if idx := strings.Index(contentType, ";"); idx > 0 {
			contentType = contentType[:idx]
		}

		if !patchTypes.Has(contentType) {
			c.Status(http.StatusUnsupportedMediaType)
			return
		}

		patchBytes, err := io.ReadAll(c.Request.Body)
		if err != nil {
			klog.V(3).InfoS("Failed to read", "err", err)
			c.Status(http.StatusInternalServerError)
			return
		}

		id := c.Param("id")
		entry, ok := mgr.Describe(id)
		if !ok {
			c.JSON(http.StatusNotFound, response.NewMultiError(response.ErrInstrumentNotFound(id)))
			return
		}
		doc := describeEntry(id, entry)

		// If-Match is optional; when sent it must name the current revision.
		if eTag := c.GetHeader(apis.IfMatch); len(eTag) != 0 && eTag != entryETag(doc) {
			c.Status(http.StatusPreconditionFailed)
			return
		}

		versionedJS, err := json.Marshal(doc)
		if err != nil {
			klog.V(3).InfoS("Failed to marshal", "err", err)
			c.Status(http.StatusInternalServerError)
			return
		}

		patchedJS, err := applyJSPatch(types.PatchType(contentType), patchBytes, versionedJS)
		if err != nil {
			c.JSON(http.StatusBadRequest, response.NewMultiError(err))
			return
		}

		var patchedDoc instrumentModel
		if err := json.NewDecoder(bytes.NewBuffer(patchedJS)).Decode(&patchedDoc); err != nil {
			klog.V(3).InfoS("Failed to decode", "err", err)
			c.JSON(http.StatusBadRequest, response.NewMultiError(response.ErrMalformedJSON))
			return
		}

		rebuilt, err := buildEntry(id, &patchedDoc)
		if err != nil {
			c.JSON(http.StatusBadRequest, response.NewMultiError(response.ErrDefinitionInvalid(err)))
			return
		}
		if err := mgr.Replace(id, rebuilt); err != nil {
			c.JSON(http.StatusBadRequest, response.NewMultiError(err))
			return
		}

		updated := describeEntry(id, rebuilt)
		c.Header(apis.ETag, entryETag(updated))
		c.JSON(http.StatusOK, updated)
	}
}

func startAll(mgr *emulator.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := mgr.StartAll(); err != nil {
			c.JSON(http.StatusInternalServerError, response.NewMultiError(response.ErrServersNotStarted(err)))
			return
		}
		c.JSON(http.StatusOK, mgr.Status().System)
	}
}

func stopAll(mgr *emulator.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		mgr.StopAll()
		c.JSON(http.StatusOK, mgr.Status().System)
	}
}

func restartInstrumentById(mgr *emulator.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if _, ok := mgr.Describe(id); !ok {
			c.JSON(http.StatusNotFound, response.NewMultiError(response.ErrInstrumentNotFound(id)))
			return
		}
		if err := mgr.Restart(id); err != nil {
			c.JSON(http.StatusBadRequest, response.NewMultiError(err))
			return
		}
		c.Status(http.StatusAccepted)
	}
}

func sendCommandById(mgr *emulator.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Request.Body.Close()

		id := c.Param("id")
		var body struct {
			Command string `json:"command"`
		}
		if err := json.NewDecoder(c.Request.Body).Decode(&body); err != nil {
			klog.V(3).InfoS("Failed to parse command", "err", err)
			c.JSON(http.StatusBadRequest, response.NewMultiError(response.ErrMalformedJSON))
			return
		}
		if strings.TrimSpace(body.Command) == "" {
			c.JSON(http.StatusBadRequest, response.NewMultiError(response.ErrCommandRequired))
			return
		}

		event, err := mgr.Inject(id, body.Command)
		if err != nil {
			c.JSON(http.StatusNotFound, response.NewMultiError(response.ErrInstrumentNotFound(id)))
			return
		}
		c.JSON(http.StatusOK, event)
	}
}

// entryETag derives the revision tag from the definition document itself, so
// it changes exactly when a patch changes something.
func entryETag(doc *instrumentModel) string {
	data, _ := json.Marshal(doc)
	h := fnv.New64a()
	_, _ = h.Write(data)
	return strconv.FormatUint(h.Sum64(), 16)
}

func describeEntry(id string, entry *emulator.InstrumentEntry) *instrumentModel {
	return &instrumentModel{
		Name:     entry.Instrument.Name,
		Id:       id,
		Port:     entry.Port,
		Serial:   entry.SerialPath,
		Commands: entry.Commands,
	}
}

// buildEntry turns a patched definition back into a linked engine. The id is
// stable across patches; only the name, binding and command rows change.
func buildEntry(id string, doc *instrumentModel) (*emulator.InstrumentEntry, error) {
	if strings.TrimSpace(doc.Name) == "" {
		return nil, fmt.Errorf("instrument name must not be empty")
	}
	inst := scpi.NewInstrument(doc.Name, id)
	for _, spec := range doc.Commands {
		rule, err := scpi.ParseRule(spec.Validation)
		if err != nil {
			return nil, fmt.Errorf("command %q: %v", spec.Command, err)
		}
		if err := inst.AddCommand(spec.Command, spec.Response, rule); err != nil {
			return nil, fmt.Errorf("command %q: %v", spec.Command, err)
		}
	}
	inst.LinkStatefulCommands()
	return &emulator.InstrumentEntry{
		Instrument: inst,
		Port:       doc.Port,
		SerialPath: doc.Serial,
		Commands:   doc.Commands,
	}, nil
}

func applyJSPatch(patchType types.PatchType, patchBytes, versionedJS []byte) (patchedJS []byte, err error) {
	switch patchType {
	case types.JSONPatchType:
		patchObj, err := jsonpatch.DecodePatch(patchBytes)
		if err != nil {
			return nil, response.ErrMalformedJSON
		}
		if len(patchObj) > maxJSONPatchOperations {
			klog.V(3).InfoS("Too many json patch operations", "count", len(patchObj))
			return nil, response.ErrTooManyJsonPatchOperations(maxJSONPatchOperations)
		}
		patchedJS, err := patchObj.Apply(versionedJS)
		if err != nil {
			klog.V(3).InfoS("Failed to apply json patch", "err", err)
			return nil, response.ErrMalformedJSON
		}
		return patchedJS, nil
	case types.MergePatchType:
		patchedJS, err = jsonpatch.MergePatch(versionedJS, patchBytes)
		if err != nil {
			klog.V(3).InfoS("Failed to apply json merge patch", "err", err)
			return nil, response.ErrMalformedJSON
		}
		return patchedJS, err
	default:
		// only here as a safety net - gin filters content-type
		return nil, fmt.Errorf("unknown Content-Type header for patch: %v", patchType)
	}
}
