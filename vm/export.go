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
import "sync/atomic"

/*
	The export table maps an MFA (module, function, arity) to the Export
	record the dispatcher jumps through. Every code generation has its own
	index table of entries, but all generations of one MFA share a single
	heap blob, so patching a dispatch address is visible wherever the
	record is reachable and the blob dies only when the last generation
	drops it.

	Locking discipline: lookups against the active generation take no lock
	at all. Every write goes to the staging generation under the indexer's
	StagingLock. Lookups against the staging generation are only
	meaningful for whoever runs the staging cycle.
*/

// Address is an opaque code address. Whoever hands one out must keep its
// target alive; the code arena and the export blobs both do.
type Address uintptr

// MFA identifies a callable: defining module, function name, arity.
type MFA struct {
	Module   Atom
	Function Atom
	Arity    uint32
}

// Trampoline shapes. A record whose generation address points at its own
// trampoline dispatches through the error handler, unless a breakpoint has
// been installed over loaded code.
const (
	TrampolineErrorHandler uint32 = iota
	TrampolineBreakpoint
)

// Trampoline is the in-record fallback dispatch target. Its own memory
// address doubles as the marker for "this generation has no loaded code".
type Trampoline struct {
	op    atomic.Uint32
	saved atomic.Uintptr // original dispatch address while a breakpoint is installed
}

func (t *Trampoline) Op() uint32 {
	return t.op.Load()
}

// Saved is the code address an installed breakpoint detours around.
func (t *Trampoline) Saved() Address {
	return Address(t.saved.Load())
}

// Export is the dispatch record of one MFA, shared across all generations.
type Export struct {
	MFA        MFA
	Trampoline Trampoline
	dispatch   [NumDispatchSlots]atomic.Uintptr
	builtin    atomic.Int32 // builtin number, -1 when the MFA is regular code
	traced     atomic.Bool
}

func (e *Export) DispatchAddress(ix CodeIndex) Address {
	return Address(e.dispatch[ix].Load())
}

func (e *Export) SetDispatchAddress(ix CodeIndex, a Address) {
	e.dispatch[ix].Store(uintptr(a))
}

func (e *Export) TrampolineAddress() Address {
	return Address(uintptr(unsafe.Pointer(&e.Trampoline)))
}

// TrampolineActive reports whether dispatching ix currently goes through
// the trampoline rather than loaded code.
func (e *Export) TrampolineActive(ix CodeIndex) bool {
	return e.DispatchAddress(ix) == e.TrampolineAddress()
}

// Loaded reports whether generation ix has real code behind it. An
// installed breakpoint counts as loaded, the trampoline just detours it.
func (e *Export) Loaded(ix CodeIndex) bool {
	return !e.TrampolineActive(ix) || e.Trampoline.Op() == TrampolineBreakpoint
}

func (e *Export) activateTrampoline(ix CodeIndex) {
	e.SetDispatchAddress(ix, e.TrampolineAddress())
}

func (e *Export) BuiltinNumber() int32 {
	return e.builtin.Load()
}

func (e *Export) SetBuiltinNumber(n int32) {
	e.builtin.Store(n)
}

func (e *Export) IsBuiltin() bool {
	return e.builtin.Load() >= 0
}

func (e *Export) Traced() bool {
	return e.traced.Load()
}

// exportSlot links one Export into one generation's index table. A blob
// carries one slot per generation; Index stays -1 while the slot is
// unclaimed. Templates are exportSlots too, with a nil blob.
type exportSlot struct {
	slot IndexSlot
	ep   *Export
	blob *exportBlob
}

func (s *exportSlot) IndexSlot() *IndexSlot {
	return &s.slot
}

// exportBlob co-locates the record with its per-generation slots: one
// allocation per distinct MFA, alive until no generation references it.
type exportBlob struct {
	entry Export
	slotv [NumCodeIndexes]exportSlot
}

var exportBlobBytes = int64(unsafe.Sizeof(exportBlob{}))

// a template carries just the identifier and is never stored
func exportTemplate(mfa MFA) *exportSlot {
	ep := &Export{MFA: mfa}
	return &exportSlot{slot: IndexSlot{Index: -1}, ep: ep}
}

const DefaultExportInitialSize = 4000
const DefaultExportLimit = 512 * 1024

type ExportConfig struct {
	Atoms       *AtomTable
	Indexer     *CodeIndexer
	InitialSize int     // hash buckets per generation table at start
	Limit       int     // max distinct MFAs per generation table
	SaveCalls   Address // call-save tracer thunk, 0 disables the slot
}

type ExportTable struct {
	atoms      *AtomTable
	ix         *CodeIndexer
	tables     [NumCodeIndexes]*IndexTable[*exportSlot]
	totalBytes atomic.Int64
	saveCalls  Address
	stagedIx   atomic.Int32 // generation StartStaging prepared, -1 outside a cycle
}

func NewExportTable(cfg ExportConfig) *ExportTable {
	t := new(ExportTable)
	t.atoms = cfg.Atoms
	if t.atoms == nil {
		t.atoms = NewAtomTable(0)
	}
	t.ix = cfg.Indexer
	if t.ix == nil {
		t.ix = NewCodeIndexer()
	}
	if cfg.InitialSize <= 0 {
		cfg.InitialSize = DefaultExportInitialSize
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultExportLimit
	}
	t.saveCalls = cfg.SaveCalls
	t.stagedIx.Store(-1)
	ops := IndexOps[*exportSlot]{
		Hash:  exportHash,
		Equal: exportEqual,
		Alloc: t.allocExport,
		Free:  t.freeExport,
	}
	for i := range t.tables {
		t.tables[i] = NewIndexTable(fmt.Sprintf("export_list_%d", i), cfg.InitialSize, cfg.Limit, ops)
	}
	t.ix.Register(t)
	tablesBuilt.Store(true)
	return t
}

func (t *ExportTable) Atoms() *AtomTable {
	return t.atoms
}

func (t *ExportTable) Indexer() *CodeIndexer {
	return t.ix
}

func exportHash(s *exportSlot) uint64 {
	m := s.ep.MFA
	return uint64(m.Module)*uint64(m.Function) ^ uint64(m.Arity)
}

func exportEqual(a *exportSlot, b *exportSlot) bool {
	return a.ep.MFA == b.ep.MFA
}

// allocExport is the table's allocate-on-miss hook. A template means the
// MFA is wholly new: allocate the blob, point every dispatch slot at the
// trampoline and claim the first generation slot. A live entry passed from
// another generation means its blob already exists: claim a free slot in it.
func (t *ExportTable) allocExport(tmpl *exportSlot) *exportSlot {
	if tmpl.slot.Index == -1 {
		blob := new(exportBlob)
		ep := &blob.entry
		ep.MFA = tmpl.ep.MFA
		ep.builtin.Store(-1)
		for i := range blob.slotv {
			blob.slotv[i].slot.Index = -1
			blob.slotv[i].ep = ep
			blob.slotv[i].blob = blob
		}
		for ix := CodeIndex(0); ix < NumDispatchSlots; ix++ {
			ep.activateTrampoline(ix)
		}
		t.totalBytes.Add(exportBlobBytes)
		return &blob.slotv[0]
	}
	blob := tmpl.blob
	for i := range blob.slotv {
		if blob.slotv[i].slot.Index == -1 {
			return &blob.slotv[i]
		}
	}
	panic("export: all generation slots of the blob are already claimed")
}

// freeExport releases one generation's claim; the blob goes away with the
// last one (observable through TotalBytes, the memory itself is the
// collector's business).
func (t *ExportTable) freeExport(s *exportSlot) {
	blob := s.blob
	s.slot.Index = -1
	for i := range blob.slotv {
		if blob.slotv[i].slot.Index >= 0 {
			return
		}
	}
	t.totalBytes.Add(-exportBlobBytes)
}

// Lookup finds the record of mfa in one generation. Lock-free; returns nil
// if the generation does not hold the identifier.
func (t *ExportTable) Lookup(mfa MFA, ix CodeIndex) *Export {
	if es, ok := t.tables[ix].Get(exportTemplate(mfa)); ok {
		return es.ep
	}
	return nil
}

// LoadedLookup is Lookup restricted to records with loaded code behind
// them: stubs dispatching into the error handler report nil, records with
// a breakpoint installed are still surfaced.
func (t *ExportTable) LoadedLookup(mfa MFA, ix CodeIndex) *Export {
	ep := t.Lookup(mfa, ix)
	if ep == nil || !ep.Loaded(ix) {
		return nil
	}
	return ep
}

// Put upserts mfa into the staging generation. This is the only way code
// loading introduces identifiers; the active generation is never written.
func (t *ExportTable) Put(mfa MFA) *Export {
	t.ix.StagingLock.Lock()
	ep := t.putLocked(mfa)
	t.ix.StagingLock.Unlock()
	return ep
}

func (t *ExportTable) putLocked(mfa MFA) *Export {
	es := t.tables[t.ix.Staging()].Put(exportTemplate(mfa))
	if t.saveCalls != 0 {
		es.ep.SetDispatchAddress(SaveCallsIx, t.saveCalls)
	}
	return es.ep
}

// GetOrMakeStub returns the record of mfa, creating a stub in the staging
// generation if no record is reachable from the active one. The fast path
// is a lock-free active lookup; the slow path re-reads the active index
// under the staging lock and retries when a commit flipped it in between.
// The loop runs at most twice in practice, the bound is races, not time.
func (t *ExportTable) GetOrMakeStub(mfa MFA) *Export {
	for {
		activeIx := t.ix.Active()
		if ep := t.Lookup(mfa, activeIx); ep != nil {
			return ep
		}
		t.ix.StagingLock.Lock()
		if t.ix.Active() == activeIx {
			ep := t.putLocked(mfa)
			t.ix.StagingLock.Unlock()
			return ep
		}
		t.ix.StagingLock.Unlock()
	}
}

// StartStaging copies every active entry into the staging generation:
// first the dispatch address crosses over, then the entry itself. The
// resulting entry has to come out of the same blob; anything else means
// the tables lost the one-blob-per-MFA invariant and we stop the VM.
func (t *ExportTable) StartStaging() {
	dstIx := t.ix.Staging()
	srcIx := t.ix.Active()
	if dstIx == srcIx {
		panic("export: staging and active code index coincide")
	}
	t.ix.StagingLock.Lock()
	defer t.ix.StagingLock.Unlock()
	dst := t.tables[dstIx]
	src := t.tables[srcIx]
	src.ForEach(func(es *exportSlot) {
		ep := es.ep
		ep.dispatch[dstIx].Store(ep.dispatch[srcIx].Load())
		de := dst.Put(es)
		if de.blob != es.blob {
			panic("export: staged entry resolved to a foreign blob")
		}
	})
	t.stagedIx.Store(int32(dstIx))
}

// EndStaging confirms the cycle ends on the same generation it prepared.
func (t *ExportTable) EndStaging(commit bool) {
	staged := t.stagedIx.Swap(-1)
	if staged != int32(t.ix.Staging()) {
		panic("export: staging cycle ended on a different code index than it started")
	}
}

func (t *ExportTable) Count(ix CodeIndex) int {
	return t.tables[ix].Count()
}

// At returns the i-th entry of a generation in insertion order, nil when
// out of range.
func (t *ExportTable) At(ix CodeIndex, i int) *Export {
	if es, ok := t.tables[ix].At(i); ok {
		return es.ep
	}
	return nil
}

func (t *ExportTable) ForEach(ix CodeIndex, f func(*Export)) {
	t.tables[ix].ForEach(func(es *exportSlot) {
		f(es.ep)
	})
}

// TotalBytes is the live blob byte total, maintained by the alloc/free
// hooks. Atomic, approximate under concurrent churn but never drifting.
func (t *ExportTable) TotalBytes() int64 {
	return t.totalBytes.Load()
}

func (t *ExportTable) FormatMFA(m MFA) string {
	return fmt.Sprintf("%s:%s/%d", t.atoms.Name(m.Module), t.atoms.Name(m.Function), m.Arity)
}

// Info dumps table statistics. With crashDump set it skips the staging
// lock: the dump may race a loader then, which beats deadlocking inside a
// crash report.
func (t *ExportTable) Info(w io.Writer, crashDump bool) {
	if !crashDump {
		t.ix.StagingLock.Lock()
		defer t.ix.StagingLock.Unlock()
	}
	t.tables[t.ix.Active()].Info(w)
	t.tables[t.ix.Staging()].Info(w)
	fmt.Fprintf(w, "export_bytes: %d\n", t.TotalBytes())
}
