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

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"unsafe"
)

func newTestTable(t *testing.T) *ExportTable {
	t.Helper()
	return NewExportTable(ExportConfig{Atoms: NewAtomTable(0)})
}

func mfaOf(tbl *ExportTable, m string, f string, arity uint32) MFA {
	return MFA{tbl.Atoms().Intern(m), tbl.Atoms().Intern(f), arity}
}

// cycle runs one full staging cycle: migrate, then activate.
func cycle(t *testing.T, ix *CodeIndexer) {
	t.Helper()
	if err := ix.BeginStaging(context.Background()); err != nil {
		t.Fatalf("BeginStaging: %v", err)
	}
	ix.Commit()
}

// codeAddr hands out a distinct fake code address backed by retained memory.
func codeAddr(buf *[16]byte) Address {
	return Address(uintptr(unsafe.Pointer(&buf[0])))
}

func TestPutInvisibleUntilCommit(t *testing.T) {
	tbl := newTestTable(t)
	ix := tbl.Indexer()
	k := mfaOf(tbl, "lists", "reverse", 1)

	ep := tbl.Put(k)
	if ep == nil {
		t.Fatal("Put returned nil")
	}
	if got := tbl.Lookup(k, ix.Active()); got != nil {
		t.Errorf("identifier visible in active generation before commit")
	}

	cycle(t, ix)

	got := tbl.Lookup(k, ix.Active())
	if got != ep {
		t.Fatalf("after commit Lookup = %p, want %p", got, ep)
	}
	if got.DispatchAddress(ix.Active()) != got.TrampolineAddress() {
		t.Errorf("fresh record does not dispatch through its trampoline")
	}
}

func TestStubPatchBecomesLoaded(t *testing.T) {
	tbl := newTestTable(t)
	ix := tbl.Indexer()
	k := mfaOf(tbl, "gen_server", "handle_call", 3)

	ep := tbl.GetOrMakeStub(k)
	for i := CodeIndex(0); i < NumCodeIndexes; i++ {
		if ep.DispatchAddress(i) != ep.TrampolineAddress() {
			t.Fatalf("generation %d of a fresh stub does not point at the trampoline", i)
		}
	}

	cycle(t, ix)
	active := ix.Active()
	if tbl.Lookup(k, active) != ep {
		t.Fatal("stub not reachable from the active generation after commit")
	}
	if tbl.LoadedLookup(k, active) != nil {
		t.Error("LoadedLookup surfaced a stub without code")
	}

	var code [16]byte
	ep.SetDispatchAddress(active, codeAddr(&code))
	if tbl.LoadedLookup(k, active) != ep {
		t.Error("LoadedLookup missed a patched record")
	}
}

func TestStubIdempotent(t *testing.T) {
	tbl := newTestTable(t)
	k := mfaOf(tbl, "erlang", "apply", 3)

	a := tbl.GetOrMakeStub(k)
	b := tbl.GetOrMakeStub(k)
	if a != b {
		t.Fatalf("two stubs for one identifier: %p vs %p", a, b)
	}
	if tbl.TotalBytes() != exportBlobBytes {
		t.Errorf("TotalBytes = %d, want one blob (%d)", tbl.TotalBytes(), exportBlobBytes)
	}
}

// TestStubUniquenessConcurrent hammers GetOrMakeStub from many goroutines
// while a committer keeps flipping generations, so the race-retry path of
// the slow path actually runs. Everyone must end up with the same record
// and exactly one blob must exist.
func TestStubUniquenessConcurrent(t *testing.T) {
	tbl := newTestTable(t)
	ix := tbl.Indexer()
	k := mfaOf(tbl, "mnesia", "transaction", 1)

	const callers = 16
	const rounds = 200
	results := make(chan *Export, callers)
	var wg sync.WaitGroup

	stop := make(chan bool)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if err := ix.BeginStaging(context.Background()); err != nil {
				t.Errorf("BeginStaging: %v", err)
				return
			}
			ix.Commit()
		}
	}()

	var callerswg sync.WaitGroup
	for i := 0; i < callers; i++ {
		callerswg.Add(1)
		go func() {
			defer callerswg.Done()
			var last *Export
			for j := 0; j < rounds; j++ {
				ep := tbl.GetOrMakeStub(k)
				if last != nil && ep != last {
					t.Errorf("stub changed identity: %p vs %p", ep, last)
					break
				}
				last = ep
			}
			results <- last
		}()
	}
	callerswg.Wait()
	close(stop)
	wg.Wait()
	close(results)

	var first *Export
	for ep := range results {
		if first == nil {
			first = ep
		} else if ep != first {
			t.Errorf("different callers saw different records: %p vs %p", ep, first)
		}
	}
	if first == nil {
		t.Fatal("no records collected")
	}
	if tbl.TotalBytes() != exportBlobBytes {
		t.Errorf("TotalBytes = %d, want one blob (%d)", tbl.TotalBytes(), exportBlobBytes)
	}
}

func TestMigrationFidelity(t *testing.T) {
	tbl := newTestTable(t)
	ix := tbl.Indexer()

	var code [5][16]byte
	mfas := make([]MFA, 5)
	for i := range mfas {
		mfas[i] = mfaOf(tbl, "m", fmt.Sprintf("f%d", i), uint32(i))
		ep := tbl.Put(mfas[i])
		ep.SetDispatchAddress(ix.Staging(), codeAddr(&code[i]))
	}
	cycle(t, ix) // staged entries become the active generation

	srcIx := ix.Active()
	if err := ix.BeginStaging(context.Background()); err != nil {
		t.Fatalf("BeginStaging: %v", err)
	}
	dstIx := ix.Staging()
	for i, k := range mfas {
		se, ok := tbl.tables[srcIx].Get(exportTemplate(k))
		if !ok {
			t.Fatalf("%d: lost in source generation", i)
		}
		de, ok := tbl.tables[dstIx].Get(exportTemplate(k))
		if !ok {
			t.Fatalf("%d: not migrated into staging", i)
		}
		if de.blob != se.blob {
			t.Errorf("%d: migration split the blob", i)
		}
		if de.ep.DispatchAddress(dstIx) != se.ep.DispatchAddress(srcIx) {
			t.Errorf("%d: dispatch address not carried over", i)
		}
	}
	ix.Commit()

	for i, k := range mfas {
		if tbl.LoadedLookup(k, ix.Active()) == nil {
			t.Errorf("%d: loaded record lost after commit", i)
		}
	}
}

func TestArityMakesDistinctRecords(t *testing.T) {
	tbl := newTestTable(t)
	ix := tbl.Indexer()
	k1 := mfaOf(tbl, "m", "f", 1)
	k2 := mfaOf(tbl, "m", "f", 2)

	a := tbl.Put(k1)
	b := tbl.Put(k2)
	if a == b {
		t.Fatal("records differing only by arity alias each other")
	}
	if tbl.TotalBytes() != 2*exportBlobBytes {
		t.Errorf("TotalBytes = %d, want two blobs (%d)", tbl.TotalBytes(), 2*exportBlobBytes)
	}

	cycle(t, ix)
	if got := tbl.Lookup(k1, ix.Active()); got != a {
		t.Errorf("Lookup(%v) = %p, want %p", k1, got, a)
	}
	if got := tbl.Lookup(k2, ix.Active()); got != b {
		t.Errorf("Lookup(%v) = %p, want %p", k2, got, b)
	}
}

// TestCollisionChains piles identifiers into a handful of buckets: the
// module atom is the first interned one, so its id of zero wipes out the
// multiplicative hash term and only the arity spreads the entries.
func TestCollisionChains(t *testing.T) {
	atoms := NewAtomTable(0)
	tbl := NewExportTable(ExportConfig{Atoms: atoms, InitialSize: 1, Limit: 128})
	ix := tbl.Indexer()

	mfas := make([]MFA, 64)
	record := make(map[int]*Export, len(mfas))
	for i := range mfas {
		mfas[i] = MFA{atoms.Intern("m"), atoms.Intern(fmt.Sprintf("f%d", i)), uint32(i % 4)}
		record[i] = tbl.Put(mfas[i])
	}
	cycle(t, ix)
	for i, k := range mfas {
		if got := tbl.Lookup(k, ix.Active()); got != record[i] {
			t.Errorf("%d: Lookup = %p, want %p", i, got, record[i])
		}
	}
}

func TestRefcountToZero(t *testing.T) {
	tbl := newTestTable(t)
	ix := tbl.Indexer()
	k := mfaOf(tbl, "code", "purge", 1)

	// a put followed by two cycles leaves the identifier claimed by two
	// generation tables, both slots of one blob
	tbl.Put(k)
	cycle(t, ix)
	cycle(t, ix)
	if tbl.TotalBytes() != exportBlobBytes {
		t.Fatalf("TotalBytes = %d, want one blob (%d)", tbl.TotalBytes(), exportBlobBytes)
	}

	e1, ok := tbl.tables[1].Get(exportTemplate(k))
	if !ok {
		t.Fatal("identifier missing from generation 1")
	}
	e2, ok := tbl.tables[2].Get(exportTemplate(k))
	if !ok {
		t.Fatal("identifier missing from generation 2")
	}
	if e1.blob != e2.blob {
		t.Fatal("generations disagree about the blob")
	}

	if !tbl.tables[1].Remove(e1) {
		t.Fatal("Remove from generation 1 failed")
	}
	if tbl.TotalBytes() != exportBlobBytes {
		t.Errorf("blob deallocated while generation 2 still references it")
	}
	if tbl.Lookup(k, 1) != nil {
		t.Errorf("removed identifier still visible in generation 1")
	}

	if !tbl.tables[2].Remove(e2) {
		t.Fatal("Remove from generation 2 failed")
	}
	if tbl.TotalBytes() != 0 {
		t.Errorf("TotalBytes = %d after last removal, want 0", tbl.TotalBytes())
	}
}

func TestFormatMFA(t *testing.T) {
	tbl := newTestTable(t)
	k := mfaOf(tbl, "proc_lib", "spawn_link", 2)
	if got := tbl.FormatMFA(k); got != "proc_lib:spawn_link/2" {
		t.Errorf("FormatMFA = %q", got)
	}
}
