// Package trace records the diagnostic event lines emitted by the pager.
//
// Every line has the form "[pid N] TAG k=v k=v" with fields in the order they
// were passed to Record, so tests can match on the rendered text.
package trace

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/pager/pkg/logger"
)

type Tag string

const (
	TagInitLazyMap Tag = "INIT-LAZYMAP"
	TagPageFault   Tag = "PAGEFAULT"
	TagAlloc       Tag = "ALLOC"
	TagLoadExec    Tag = "LOADEXEC"
	TagDirty       Tag = "DIRTY"
	TagResident    Tag = "RESIDENT"
	TagMemFull     Tag = "MEMFULL"
	TagVictim      Tag = "VICTIM"
	TagEvict       Tag = "EVICT"
	TagSwapOut     Tag = "SWAPOUT"
	TagSwapIn      Tag = "SWAPIN"
	TagSwapFull    Tag = "SWAPFULL"
	TagSwapCleanup Tag = "SWAPCLEANUP"
	TagKill        Tag = "KILL"
)

// Field is a single key=value pair. An empty Key renders the value alone,
// which is how the kill reason is placed right after the tag.
type Field struct {
	Key   string
	Value string
}

func Addr(key string, va uint64) Field {
	return Field{Key: key, Value: fmt.Sprintf("0x%x", va)}
}

func VA(va uint64) Field {
	return Addr("va", va)
}

func Int(key string, v int64) Field {
	return Field{Key: key, Value: strconv.FormatInt(v, 10)}
}

func Str(key, v string) Field {
	return Field{Key: key, Value: v}
}

func Range(key string, start, end uint64) Field {
	return Field{Key: key, Value: fmt.Sprintf("[0x%x,0x%x)", start, end)}
}

func Word(v string) Field {
	return Field{Value: v}
}

type Event struct {
	Timestamp int64
	PID       int
	Tag       Tag
	Fields    []Field
}

func (e Event) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "[pid %d] %s", e.PID, e.Tag)

	for _, f := range e.Fields {
		b.WriteByte(' ')

		if f.Key != "" {
			b.WriteString(f.Key)
			b.WriteByte('=')
		}

		b.WriteString(f.Value)
	}

	return b.String()
}

// Get returns the value of the first field with the given key.
func (e Event) Get(key string) (string, bool) {
	for _, f := range e.Fields {
		if f.Key == key {
			return f.Value, true
		}
	}

	return "", false
}

// Recorder is a thread-safe recorder for trace events.
// A nil *Recorder is valid and records nothing.
type Recorder struct {
	mu      sync.Mutex
	events  []Event
	enabled bool

	logger *zap.Logger
}

// NewRecorder creates a recorder that also writes every line to l.
// If enabled is false, only the logger receives the lines.
func NewRecorder(enabled bool, l *zap.Logger) *Recorder {
	if l == nil {
		l = zap.NewNop()
	}

	r := &Recorder{
		enabled: enabled,
		logger:  l,
	}
	if enabled {
		r.events = make([]Event, 0, 1024)
	}

	return r
}

func (r *Recorder) SetEnabled(enabled bool) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = enabled
	if enabled && r.events == nil {
		r.events = make([]Event, 0, 1024)
	}
}

func (r *Recorder) Record(pid int, tag Tag, fields ...Field) {
	if r == nil {
		return
	}

	e := Event{
		Timestamp: time.Now().UnixNano(),
		PID:       pid,
		Tag:       tag,
		Fields:    fields,
	}

	if tag == TagKill {
		r.logger.Warn(e.String(), logger.WithPID(pid))
	} else {
		r.logger.Debug(e.String(), logger.WithPID(pid))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled {
		return
	}
	r.events = append(r.events, e)
}

// Events returns a copy of all recorded events.
func (r *Recorder) Events() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]Event, len(r.events))
	copy(result, r.events)

	return result
}

// Lines renders the recorded events of pid, or of every process when pid is negative.
func (r *Recorder) Lines(pid int) []string {
	var lines []string

	for _, e := range r.Events() {
		if pid >= 0 && e.PID != pid {
			continue
		}

		lines = append(lines, e.String())
	}

	return lines
}

// Filter returns the events carrying tag of pid, or of every process when pid is negative.
func (r *Recorder) Filter(pid int, tag Tag) []Event {
	var out []Event

	for _, e := range r.Events() {
		if (pid < 0 || e.PID == pid) && e.Tag == tag {
			out = append(out, e)
		}
	}

	return out
}

func (r *Recorder) Clear() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = r.events[:0]
}

func (r *Recorder) Count() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.events)
}
