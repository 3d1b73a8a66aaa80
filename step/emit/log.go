package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
)

// LogEmitter implements Emitter by writing structured log output to a writer.
//
// Supports two output modes:
//   - Text mode (default): Human-readable format with key=value pairs
//   - JSON mode: Machine-readable JSON format, one event per line
//
// Example text output:
//
//	[step_start] op=3f0c.. seq=1 step=read meta={"kind":"affine","partition_id":7}
//
// Example JSON output:
//
//	{"op":"3f0c..","seq":1,"step":"read","msg":"step_start","meta":{"kind":"affine"}}
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a new LogEmitter. A nil writer defaults to os.Stdout.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{
		writer:   writer,
		jsonMode: jsonMode,
	}
}

// Emit writes an event to the configured writer. Lines from concurrent
// operations never interleave.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		OpID string                 `json:"op"`
		Seq  int                    `json:"seq"`
		Step string                 `json:"step"`
		Msg  string                 `json:"msg"`
		Meta map[string]interface{} `json:"meta"`
	}{
		OpID: event.OpID,
		Seq:  event.Seq,
		Step: event.Step,
		Msg:  event.Msg,
		Meta: event.Meta,
	})
	if err != nil {
		fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}

	fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	fmt.Fprintf(l.writer, "[%s] op=%s seq=%d step=%s",
		event.Msg, event.OpID, event.Seq, event.Step)

	if len(event.Meta) > 0 {
		// encoding/json sorts map keys, the fallback sorts by hand.
		metaJSON, err := json.Marshal(event.Meta)
		if err == nil {
			fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			keys := make([]string, 0, len(event.Meta))
			for k := range event.Meta {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(l.writer, " %s=%v", k, event.Meta[k])
			}
		}
	}

	fmt.Fprint(l.writer, "\n")
}
