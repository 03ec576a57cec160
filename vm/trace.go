/*
Copyright (C) 2025, 2026  Riccardo Manfrin

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package vm

import "io"
import "os"
import "fmt"
import "sync"
import "time"
import "bytes"
import "errors"
import "unsafe"
import "encoding/json"
import "github.com/jtolds/gls"

var ErrNotLoaded = errors.New("no loaded code to break on")
var ErrNoBreakpoint = errors.New("no breakpoint installed")

// SetBreakpoint redirects generation ix of ep through its trampoline while
// remembering the real code address. LoadedLookup keeps reporting the
// record as loaded because the trampoline is in breakpoint shape.
func SetBreakpoint(ep *Export, ix CodeIndex) error {
	if ep.Trampoline.Op() == TrampolineBreakpoint {
		return nil
	}
	if ep.TrampolineActive(ix) {
		return ErrNotLoaded
	}
	ep.Trampoline.saved.Store(uintptr(ep.DispatchAddress(ix)))
	ep.Trampoline.op.Store(TrampolineBreakpoint)
	ep.activateTrampoline(ix)
	ep.traced.Store(true)
	return nil
}

// ClearBreakpoint restores the saved code address.
func ClearBreakpoint(ep *Export, ix CodeIndex) error {
	if ep.Trampoline.Op() != TrampolineBreakpoint {
		return ErrNoBreakpoint
	}
	ep.SetDispatchAddress(ix, Address(ep.Trampoline.saved.Load()))
	ep.Trampoline.op.Store(TrampolineErrorHandler)
	ep.traced.Store(false)
	return nil
}

// call-save tracing: the thunk below is a retained code fragment; records
// carry its address in their SaveCallsIx slot so that goroutines with call
// saving enabled dispatch through the tracer no matter which generation is
// active.

var saveCallsThunk [8]uintptr

func SaveCallsAddress() Address {
	return Address(uintptr(unsafe.Pointer(&saveCallsThunk[0])))
}

var glsMgr = gls.NewContextManager()

const saveCallsKey = "save_calls"

// WithSaveCalls runs f with call saving enabled for this goroutine and for
// everything it spawns through gls.Go.
func WithSaveCalls(f func()) {
	glsMgr.SetValues(gls.Values{saveCallsKey: true}, f)
}

func SaveCallsEnabled() bool {
	v, ok := glsMgr.GetValue(saveCallsKey)
	return ok && v == true
}

// DispatchIndex picks the dispatch slot the calling goroutine should jump
// through.
func DispatchIndex(c *CodeIndexer) CodeIndex {
	if SaveCallsEnabled() {
		return SaveCallsIx
	}
	return c.Active()
}

// event tracing in the chrome trace format (open chrome://tracing and load
// the file)

type Tracefile struct {
	isFirst bool
	file    io.WriteCloser
	m       sync.Mutex
}

var Trace *Tracefile // set to not nil to trace loads and dispatches
var TracePrint bool  // whether to also print trace events to stdout

func SetTrace(on bool) {
	if Trace != nil {
		Trace.Close()
		Trace = nil
	}
	if on {
		f, err := os.Create(os.Getenv("OTP_TRACEDIR") + "trace_" + fmt.Sprint(time.Now().Unix()) + ".json")
		if err != nil {
			panic(err)
		}
		Trace = NewTrace(f)
	}
}

func NewTrace(file io.WriteCloser) *Tracefile {
	file.Write([]byte("["))
	result := new(Tracefile)
	result.file = file
	result.isFirst = true
	return result
}

func (t *Tracefile) Close() {
	t.file.Write([]byte("]"))
	t.file.Close()
}

func (t *Tracefile) Duration(name string, cat string, f func()) {
	t.Event(name, cat, "B")
	defer t.Event(name, cat, "E")
	f()
}

// Event appends one trace record; typ is B/E for begin/end, i for instants.
func (t *Tracefile) Event(name string, cat string, typ string) {
	ts := time.Since(traceStart).Microseconds()
	var b bytes.Buffer
	b.WriteString("{\"name\": ")
	n, _ := json.Marshal(name)
	b.Write(n)
	b.WriteString(", \"cat\": ")
	c, _ := json.Marshal(cat)
	b.Write(c)
	fmt.Fprintf(&b, ", \"ph\": %q, \"ts\": %d, \"pid\": 0, \"tid\": 0, \"s\": \"g\"}", typ, ts)
	t.m.Lock()
	if t.isFirst {
		t.isFirst = false
	} else {
		t.file.Write([]byte(",\n"))
	}
	t.file.Write(b.Bytes())
	t.m.Unlock()
}

var traceStart time.Time = time.Now()
