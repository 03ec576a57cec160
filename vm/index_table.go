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
import "unsafe"

/*
	IndexTable is a hashed table that additionally assigns every entry a
	dense insertion-order index, so entries can be walked in the order they
	were added while lookups stay O(1). Entries embed their own IndexSlot
	(intrusive), which keeps the bucket chains allocation-free.

	The table itself does no locking; callers own the synchronization
	discipline (see ExportTable for how the staging lock is applied).
	Allocation and deallocation of entries happen only through the Alloc
	and Free hooks, never by the caller directly.
*/

// IndexSlot is embedded in every table entry. Index is the insertion-order
// position and stays -1 while the entry is unassigned (templates).
type IndexSlot struct {
	Index int32
	hash  uint64
	next  int32 // bucket chain, -1 terminates
}

type Indexed interface {
	comparable
	IndexSlot() *IndexSlot
}

type IndexOps[T Indexed] struct {
	Hash  func(T) uint64
	Equal func(T, T) bool
	Alloc func(T) T // called on Put miss with the caller's template
	Free  func(T)   // called on Remove and Clear
}

type IndexTable[T Indexed] struct {
	Name    string
	Limit   int
	ops     IndexOps[T]
	buckets []int32
	entries []T // insertion order; Remove leaves holes
	count   int
}

func NewIndexTable[T Indexed](name string, initial int, limit int, ops IndexOps[T]) *IndexTable[T] {
	if initial < 1 {
		initial = 1
	}
	t := new(IndexTable[T])
	t.Name = name
	t.Limit = limit
	t.ops = ops
	t.buckets = make([]int32, roundPow2(initial))
	for i := range t.buckets {
		t.buckets[i] = -1
	}
	return t
}

func roundPow2(n int) int {
	p := 1
	for p < n {
		p *= 2
	}
	return p
}

// Put returns the entry matching tmpl, allocating it through the Alloc hook
// if no generation of it exists in this table yet.
func (t *IndexTable[T]) Put(tmpl T) T {
	h := t.ops.Hash(tmpl)
	b := h & uint64(len(t.buckets)-1)
	for i := t.buckets[b]; i != -1; {
		e := t.entries[i]
		s := e.IndexSlot()
		if s.hash == h && t.ops.Equal(e, tmpl) {
			return e
		}
		i = s.next
	}
	if t.count >= t.Limit {
		panic(fmt.Sprintf("no more index entries in %s (max=%d)", t.Name, t.Limit))
	}
	e := t.ops.Alloc(tmpl)
	s := e.IndexSlot()
	s.Index = int32(len(t.entries))
	s.hash = h
	s.next = t.buckets[b]
	t.buckets[b] = s.Index
	t.entries = append(t.entries, e)
	t.count++
	if t.count > len(t.buckets) {
		t.grow()
	}
	return e
}

func (t *IndexTable[T]) Get(tmpl T) (T, bool) {
	h := t.ops.Hash(tmpl)
	b := h & uint64(len(t.buckets)-1)
	for i := t.buckets[b]; i != -1; {
		e := t.entries[i]
		s := e.IndexSlot()
		if s.hash == h && t.ops.Equal(e, tmpl) {
			return e, true
		}
		i = s.next
	}
	var zero T
	return zero, false
}

// At returns the entry at insertion-order position i. Positions freed by
// Remove report ok=false.
func (t *IndexTable[T]) At(i int) (T, bool) {
	var zero T
	if i < 0 || i >= len(t.entries) || t.entries[i] == zero {
		return zero, false
	}
	return t.entries[i], true
}

// Remove unlinks e and hands it to the Free hook. Returns false if e is not
// assigned to this table.
func (t *IndexTable[T]) Remove(e T) bool {
	s := e.IndexSlot()
	if s.Index < 0 || int(s.Index) >= len(t.entries) {
		return false
	}
	if t.entries[s.Index] != e {
		return false
	}
	b := s.hash & uint64(len(t.buckets)-1)
	if t.buckets[b] == s.Index {
		t.buckets[b] = s.next
	} else {
		i := t.buckets[b]
		for i != -1 {
			ps := t.entries[i].IndexSlot()
			if ps.next == s.Index {
				ps.next = s.next
				break
			}
			i = ps.next
		}
		if i == -1 {
			return false // not on its chain, nothing sane to unlink
		}
	}
	var zero T
	t.entries[s.Index] = zero
	t.count--
	t.ops.Free(e)
	return true
}

// Clear discards the whole table, freeing every entry through the Free hook.
func (t *IndexTable[T]) Clear() {
	var zero T
	for i, e := range t.entries {
		if e == zero {
			continue
		}
		t.entries[i] = zero
		t.ops.Free(e)
	}
	t.entries = t.entries[:0]
	t.count = 0
	for i := range t.buckets {
		t.buckets[i] = -1
	}
}

func (t *IndexTable[T]) ForEach(f func(T)) {
	var zero T
	for _, e := range t.entries {
		if e != zero {
			f(e)
		}
	}
}

func (t *IndexTable[T]) Count() int {
	return t.count
}

func (t *IndexTable[T]) SizeBytes() uint64 {
	// entries are pointer-sized handles; the records behind them are
	// accounted by whoever owns the Alloc hook
	ptr := uint64(unsafe.Sizeof(uintptr(0)))
	return uint64(cap(t.buckets))*4 + uint64(cap(t.entries))*ptr
}

func (t *IndexTable[T]) grow() {
	nb := make([]int32, len(t.buckets)*2)
	for i := range nb {
		nb[i] = -1
	}
	t.buckets = nb
	var zero T
	for _, e := range t.entries {
		if e == zero {
			continue
		}
		s := e.IndexSlot()
		b := s.hash & uint64(len(nb)-1)
		s.next = nb[b]
		nb[b] = s.Index
	}
}

func (t *IndexTable[T]) Info(w io.Writer) {
	fmt.Fprintf(w, "=index_table:%s\n", t.Name)
	fmt.Fprintf(w, "size: %d\n", len(t.buckets))
	fmt.Fprintf(w, "limit: %d\n", t.Limit)
	fmt.Fprintf(w, "entries: %d\n", t.count)
	fmt.Fprintf(w, "kept: %d\n", len(t.entries))
	fmt.Fprintf(w, "bytes: %d\n", t.SizeBytes())
}
