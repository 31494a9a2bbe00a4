package eventlog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/agentbureau/bureau/pkg/errdefs"
	"github.com/agentbureau/bureau/pkg/types"
)

// Record is one line of an events file. Err is set for lines that are
// not valid envelope JSON; readers surface those instead of aborting.
type Record struct {
	Line  int
	Raw   string
	Event *types.Event
	Err   error
}

// Parse parses raw events-file bytes with the same tolerance as
// ReadFile. Callers that already hold the content (the index, for one)
// avoid a second read.
func Parse(data []byte) []Record {
	return parseLines(data)
}

// ReadFile parses an events file tolerantly. Malformed lines become
// Records with Err set; a trailing line without a newline is treated as
// an in-progress append and ignored. A missing file is NotFound.
func ReadFile(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.NotFoundf("events file %s", path)
		}
		return nil, fmt.Errorf("failed to read events file: %w", err)
	}
	return parseLines(data), nil
}

func parseLines(data []byte) []Record {
	var records []Record
	lineNo := 0
	for len(data) > 0 {
		nl := bytes.IndexByte(data, '\n')
		if nl < 0 {
			// partial trailing line, a writer may still be appending
			break
		}
		line := data[:nl]
		data = data[nl+1:]
		lineNo++

		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var e types.Event
		if err := json.Unmarshal(line, &e); err != nil {
			records = append(records, Record{
				Line: lineNo,
				Raw:  string(line),
				Err:  fmt.Errorf("invalid event json: %w", err),
			})
			continue
		}
		records = append(records, Record{Line: lineNo, Raw: string(line), Event: &e})
	}
	return records
}

// Events filters a record slice down to the successfully parsed events
func Events(records []Record) []*types.Event {
	out := make([]*types.Event, 0, len(records))
	for _, r := range records {
		if r.Err == nil && r.Event != nil {
			out = append(out, r.Event)
		}
	}
	return out
}

// ParseErrors filters a record slice down to the malformed lines
func ParseErrors(records []Record) []Record {
	var out []Record
	for _, r := range records {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}
