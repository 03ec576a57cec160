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
import "fmt"
import "sync"
import "unsafe"
import "sync/atomic"
import "github.com/launix-de/NonLockingReadMap"

// Atom is a dense id for an interned symbol. Ids are assigned in intern
// order and are never reused, so they can index the name snapshot directly.
type Atom uint32

const DefaultAtomLimit = 1024 * 1024

type atomEntry struct {
	Name string
	Id   Atom
}

func (a atomEntry) GetKey() string {
	return a.Name
}

func (a atomEntry) ComputeSize() uint {
	return uint(unsafe.Sizeof(a)) + uint(len(a.Name))
}

/*
	AtomTable interns symbol names into Atom ids. Reads (the hot path:
	every identifier lookup starts here) are lock-free; only interning a
	new name takes the writer mutex. The id->name direction is served from
	a snapshot slice that is copied and republished on every insert.
*/
type AtomTable struct {
	byName NonLockingReadMap.NonLockingReadMap[atomEntry, string]
	names  atomic.Pointer[[]string]
	mu     sync.Mutex
	limit  int
	bytes  atomic.Int64
}

func NewAtomTable(limit int) *AtomTable {
	if limit <= 0 {
		limit = DefaultAtomLimit
	}
	t := new(AtomTable)
	t.byName = NonLockingReadMap.New[atomEntry, string]()
	empty := make([]string, 0, 256)
	t.names.Store(&empty)
	t.limit = limit
	tablesBuilt.Store(true)
	return t
}

// Intern returns the id of name, assigning a fresh one on first sight.
func (t *AtomTable) Intern(name string) Atom {
	if e := t.byName.Get(name); e != nil {
		return e.Id
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if e := t.byName.Get(name); e != nil {
		// another goroutine interned it while we waited
		return e.Id
	}
	names := *t.names.Load()
	if len(names) >= t.limit {
		panic(fmt.Sprintf("no more entries in atom table (max=%d)", t.limit))
	}
	id := Atom(len(names))
	next := make([]string, len(names)+1)
	copy(next, names)
	next[len(names)] = name
	t.names.Store(&next)
	t.byName.Set(&atomEntry{name, id})
	t.bytes.Add(int64(unsafe.Sizeof(atomEntry{})) + int64(len(name)))
	return id
}

// Get looks up an existing atom without creating one.
func (t *AtomTable) Get(name string) (Atom, bool) {
	if e := t.byName.Get(name); e != nil {
		return e.Id, true
	}
	return 0, false
}

func (t *AtomTable) Name(a Atom) string {
	names := *t.names.Load()
	if int(a) >= len(names) {
		return fmt.Sprintf("#%d", uint32(a))
	}
	return names[a]
}

func (t *AtomTable) Count() int {
	return len(*t.names.Load())
}

func (t *AtomTable) Bytes() int64 {
	return t.bytes.Load()
}

func (t *AtomTable) Info(w io.Writer) {
	fmt.Fprintf(w, "=atom_table\n")
	fmt.Fprintf(w, "count: %d\n", t.Count())
	fmt.Fprintf(w, "limit: %d\n", t.limit)
	fmt.Fprintf(w, "bytes: %d\n", t.Bytes())
}
