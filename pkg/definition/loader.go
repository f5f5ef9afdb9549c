package definition

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"scpiemulator/pkg/emulator"
	"scpiemulator/pkg/scpi"
)

// DefaultPortStart is the first auto-assigned instrument port.
const DefaultPortStart = 5555

// Record is one row of a tabular instrument definition. A non-empty
// Equipment cell starts a new instrument; following rows with an empty
// Equipment cell add commands to it.
type Record struct {
	Equipment  string `json:"equipment" mapstructure:"Equipment"`
	Port       string `json:"port,omitempty" mapstructure:"Port"`
	Command    string `json:"command" mapstructure:"Command"`
	Response   string `json:"response" mapstructure:"Response"`
	Validation string `json:"validation,omitempty" mapstructure:"Validation"`
}

var requiredColumns = []string{"Equipment", "Command", "Response"}

// LoadFile reads a CSV definition file and builds the instrument fleet.
// The delimiter is sniffed from the first chunk: tab, then semicolon, then
// comma.
func LoadFile(path string, portStart int) ([]*emulator.InstrumentEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open definition file %s", path)
	}
	defer f.Close()

	records, err := readRecords(f)
	if err != nil {
		return nil, errors.Wrapf(err, "read definition file %s", path)
	}
	return FromRecords(records, portStart)
}

func readRecords(r io.Reader) ([]Record, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("empty file")
	}

	reader := csv.NewReader(strings.NewReader(string(data)))
	reader.Comma = sniffDelimiter(data)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) < 1 {
		return nil, errors.New("no header row")
	}

	header := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		header[i] = strings.TrimSpace(h)
	}
	for _, col := range requiredColumns {
		if !contains(header, col) {
			return nil, errors.Errorf("missing required column %q (have %v)", col, header)
		}
	}

	records := make([]Record, 0, len(rows)-1)
	for _, row := range rows[1:] {
		cells := map[string]string{}
		for i, cell := range row {
			if i < len(header) {
				cells[header[i]] = strings.TrimSpace(cell)
			}
		}
		var rec Record
		if err := mapstructure.Decode(cells, &rec); err != nil {
			return nil, errors.Wrap(err, "decode row")
		}
		records = append(records, rec)
	}
	return records, nil
}

func sniffDelimiter(data []byte) rune {
	sample := string(data)
	if len(sample) > 1024 {
		sample = sample[:1024]
	}
	switch {
	case strings.Contains(sample, "\t"):
		return '\t'
	case strings.Contains(sample, ";"):
		return ';'
	default:
		return ','
	}
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

// FromRecords builds linked instruments from a record stream. Instruments
// without an explicit port get sequential ports starting at portStart; a
// port cell naming a device path binds the instrument to a serial endpoint
// instead.
func FromRecords(records []Record, portStart int) ([]*emulator.InstrumentEntry, error) {
	if portStart <= 0 {
		portStart = DefaultPortStart
	}

	var (
		entries     []*emulator.InstrumentEntry
		current     *emulator.InstrumentEntry
		nextPort    = portStart
		commandsAdd int
	)

	for n, rec := range records {
		if name := strings.TrimSpace(rec.Equipment); name != "" {
			entry := &emulator.InstrumentEntry{
				Instrument: scpi.NewInstrument(name, instrumentID(name)),
			}
			switch port := strings.TrimSpace(rec.Port); {
			case isSerialPath(port):
				entry.SerialPath = port
			default:
				if p, err := strconv.Atoi(port); err == nil && p > 0 {
					entry.Port = p
				} else {
					entry.Port = nextPort
					nextPort++
				}
			}
			entries = append(entries, entry)
			current = entry
			klog.V(2).InfoS("Instrument defined", "row", n+2, "instrument", name, "port", entry.Port, "serial", entry.SerialPath)
		}

		if current == nil || rec.Command == "" || rec.Response == "" {
			continue
		}
		rule, err := scpi.ParseRule(rec.Validation)
		if err != nil {
			klog.V(1).InfoS("Ignoring invalid validation rule", "row", n+2, "rule", rec.Validation, "err", err)
		}
		if err := current.Instrument.AddCommand(rec.Command, rec.Response, rule); err != nil {
			klog.V(1).InfoS("Skipping malformed command row", "row", n+2, "command", rec.Command, "err", err)
			continue
		}
		current.Commands = append(current.Commands, emulator.CommandSpec{
			Command:    rec.Command,
			Response:   rec.Response,
			Validation: rec.Validation,
		})
		commandsAdd++
	}

	if len(entries) == 0 {
		return nil, errors.New("no instruments found in definitions")
	}
	for _, entry := range entries {
		entry.Instrument.LinkStatefulCommands()
	}
	klog.V(1).InfoS("Definitions loaded", "instruments", len(entries), "commands", commandsAdd)
	return entries, nil
}

func instrumentID(name string) string {
	id := strings.ToLower(strings.TrimSpace(name))
	id = strings.ReplaceAll(id, " ", "_")
	return strings.ReplaceAll(id, "-", "_")
}

func isSerialPath(port string) bool {
	return strings.HasPrefix(port, "/") || strings.HasPrefix(strings.ToUpper(port), "COM")
}
