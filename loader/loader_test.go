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
package loader

import (
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/riccardomanfrin/otp/vm"
)

func newTestLoader(t *testing.T) *Loader {
	t.Helper()
	return New(vm.NewExportTable(vm.ExportConfig{Atoms: vm.NewAtomTable(0)}))
}

func writeUnit(t *testing.T, dir string, name string, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// mfa interns the identifier on the loader's atom table.
func mfa(l *Loader, m string, f string, arity uint32) vm.MFA {
	atoms := l.Exports.Atoms()
	return vm.MFA{Module: atoms.Intern(m), Function: atoms.Intern(f), Arity: arity}
}

const listsUnit = `
module lists 1
code @rev 64
code @sort 32
export reverse 1 @rev
export sort 1 @sort
builtin keymerge 2 3
import erlang apply 3
end
`

func TestLoadUnit(t *testing.T) {
	l := newTestLoader(t)
	path := writeUnit(t, t.TempDir(), "lists.unit", listsUnit)

	mv, err := l.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if mv.Name != "lists" || mv.Version != 1 {
		t.Errorf("loaded %s version %d", mv.Name, mv.Version)
	}
	active := l.Exports.Indexer().Active()

	ep := l.Exports.LoadedLookup(mfa(l, "lists", "reverse", 1), active)
	if ep == nil {
		t.Fatal("lists:reverse/1 not loaded")
	}
	obj, offset, ok := l.Arena.FindCode(ep.DispatchAddress(active))
	if !ok || obj.Label != "@rev" || offset != 0 {
		t.Errorf("reverse dispatches into %v+%d, %v", obj, offset, ok)
	}

	bif := l.Exports.LoadedLookup(mfa(l, "lists", "keymerge", 2), active)
	if bif == nil {
		t.Fatal("builtin not loaded")
	}
	if !bif.IsBuiltin() || bif.BuiltinNumber() != 3 {
		t.Errorf("keymerge builtin number = %d", bif.BuiltinNumber())
	}

	stub := l.Exports.Lookup(mfa(l, "erlang", "apply", 3), active)
	if stub == nil {
		t.Fatal("import did not create a stub")
	}
	if l.Exports.LoadedLookup(mfa(l, "erlang", "apply", 3), active) != nil {
		t.Error("import stub pretends to be loaded")
	}

	cat := l.Modules.Lookup("lists", active)
	if cat == nil || cat.Instance != mv.Instance {
		t.Fatal("module catalog misses the loaded version")
	}
	if len(cat.Code) != 3 || len(cat.Exports) != 3 {
		t.Errorf("catalog records %d blocks and %d exports", len(cat.Code), len(cat.Exports))
	}
}

func TestLoadCompressed(t *testing.T) {
	l := newTestLoader(t)
	path := filepath.Join(t.TempDir(), "lists.unit.gz")
	file, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	zw := gzip.NewWriter(file)
	zw.Write([]byte(listsUnit))
	zw.Close()
	file.Close()

	if _, err := l.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	active := l.Exports.Indexer().Active()
	if l.Exports.LoadedLookup(mfa(l, "lists", "sort", 1), active) == nil {
		t.Error("compressed unit did not load")
	}
}

func TestHotSwap(t *testing.T) {
	l := newTestLoader(t)
	dir := t.TempDir()
	path := writeUnit(t, dir, "counter.unit", `
module counter 1
code @inc 16
export inc 1 @inc
end
`)
	if _, err := l.Load(path); err != nil {
		t.Fatalf("first Load: %v", err)
	}
	ix := l.Exports.Indexer()
	k := mfa(l, "counter", "inc", 1)
	before := l.Exports.LoadedLookup(k, ix.Active()).DispatchAddress(ix.Active())

	writeUnit(t, dir, "counter.unit", `
module counter 2
code @inc 24
export inc 1 @inc
end
`)
	if _, err := l.Load(path); err != nil {
		t.Fatalf("second Load: %v", err)
	}
	active := ix.Active()
	after := l.Exports.LoadedLookup(k, active).DispatchAddress(active)
	if after == before {
		t.Error("hot swap kept the old dispatch address")
	}
	if cat := l.Modules.Lookup("counter", active); cat.Version != 2 {
		t.Errorf("catalog still at version %d", cat.Version)
	}

	old := l.Modules.Old()
	if len(old) != 1 || old[0].Version != 1 {
		t.Fatalf("old list holds %v", old)
	}
	if n := l.PurgeOld(); n != 1 {
		t.Errorf("purged %d versions, want 1", n)
	}
	if _, _, ok := l.Arena.FindCode(before); ok {
		t.Error("purged code still resolves")
	}
	if _, _, ok := l.Arena.FindCode(after); !ok {
		t.Error("live code stopped resolving")
	}
}

func TestPurgeResetsDroppedExports(t *testing.T) {
	l := newTestLoader(t)
	dir := t.TempDir()
	path := writeUnit(t, dir, "pair.unit", `
module pair 1
code @fst 16
code @snd 16
export fst 1 @fst
export snd 1 @snd
end
`)
	if _, err := l.Load(path); err != nil {
		t.Fatalf("first Load: %v", err)
	}
	writeUnit(t, dir, "pair.unit", `
module pair 2
code @fst 24
export fst 1 @fst
end
`)
	if _, err := l.Load(path); err != nil {
		t.Fatalf("second Load: %v", err)
	}
	l.PurgeOld()
	active := l.Exports.Indexer().Active()

	// the swap dropped snd, so after the purge its record must dispatch
	// into the error handler, not into the released blocks
	dropped := mfa(l, "pair", "snd", 1)
	if ep := l.Exports.LoadedLookup(dropped, active); ep != nil {
		t.Fatalf("pair:snd/1 reports loaded at %#x after its code was purged", ep.DispatchAddress(active))
	}
	ep := l.Exports.Lookup(dropped, active)
	if ep == nil {
		t.Fatal("pair:snd/1 record vanished")
	}
	for ix := vm.CodeIndex(0); ix < vm.NumCodeIndexes; ix++ {
		if !ep.TrampolineActive(ix) {
			t.Errorf("generation %d still dispatches pair:snd/1 to %#x", ix, ep.DispatchAddress(ix))
		}
	}

	kept := l.Exports.LoadedLookup(mfa(l, "pair", "fst", 1), active)
	if kept == nil {
		t.Fatal("pair:fst/1 lost its code")
	}
	if _, _, ok := l.Arena.FindCode(kept.DispatchAddress(active)); !ok {
		t.Error("pair:fst/1 dispatch address stopped resolving")
	}
}

func TestPurgeClearsStaleBreakpoint(t *testing.T) {
	l := newTestLoader(t)
	dir := t.TempDir()
	path := writeUnit(t, dir, "m.unit", "module m 1\ncode @f 16\nexport f 0 @f\nend\n")
	if _, err := l.Load(path); err != nil {
		t.Fatalf("first Load: %v", err)
	}
	ix := l.Exports.Indexer()
	k := mfa(l, "m", "f", 0)
	ep := l.Exports.LoadedLookup(k, ix.Active())
	if err := vm.SetBreakpoint(ep, ix.Active()); err != nil {
		t.Fatalf("SetBreakpoint: %v", err)
	}

	writeUnit(t, dir, "m.unit", "module m 2\ncode @g 16\nexport g 0 @g\nend\n")
	if _, err := l.Load(path); err != nil {
		t.Fatalf("second Load: %v", err)
	}
	l.PurgeOld()

	// the breakpoint detoured around code that no longer exists; it must
	// not keep the record looking loaded
	if l.Exports.LoadedLookup(k, ix.Active()) != nil {
		t.Error("m:f/0 still reports loaded through its breakpoint")
	}
	if ep.Traced() {
		t.Error("purged record still marked traced")
	}
}

func TestLoadBadUnit(t *testing.T) {
	l := newTestLoader(t)
	dir := t.TempDir()
	ix := l.Exports.Indexer()

	// truncated: never parses, never opens a cycle
	bad := writeUnit(t, dir, "bad.unit", "module broken 1\ncode @a 16\n")
	if _, err := l.Load(bad); err == nil {
		t.Fatal("truncated unit loaded")
	}
	// dangling label: parses, but validation rejects it before staging
	dangling := writeUnit(t, dir, "dangling.unit", "module broken 1\nexport f 0 @nowhere\nend\n")
	if _, err := l.Load(dangling); err == nil {
		t.Fatal("unit with a dangling label loaded")
	}
	if ix.Commits() != 0 {
		t.Errorf("failed loads committed %d times", ix.Commits())
	}
	if n := l.Exports.Count(ix.Active()); n != 0 {
		t.Errorf("failed loads left %d active entries", n)
	}

	// the staging permit must be free again after the failures
	good := writeUnit(t, dir, "good.unit", "module fine 1\ncode @a 16\nexport f 0 @a\nend\n")
	if _, err := l.Load(good); err != nil {
		t.Fatalf("loading after failures: %v", err)
	}
}

func TestLoadDir(t *testing.T) {
	l := newTestLoader(t)
	dir := t.TempDir()
	writeUnit(t, dir, "a.unit", "module a 1\ncode @x 16\nexport f 0 @x\nend\n")
	writeUnit(t, dir, "b.unit", "module b 1\nimport a f 0\nend\n")
	writeUnit(t, dir, "notes.txt", "not a unit")

	n, err := l.LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if n != 2 {
		t.Errorf("loaded %d units, want 2", n)
	}
	active := l.Exports.Indexer().Active()
	if l.Modules.Lookup("a", active) == nil || l.Modules.Lookup("b", active) == nil {
		t.Error("catalog misses a loaded module")
	}
	// b imports a:f/0 which is genuinely loaded, so the shared record
	// dispatches into code, not into the error handler
	if l.Exports.LoadedLookup(mfa(l, "a", "f", 0), active) == nil {
		t.Error("a:f/0 lost its code")
	}
}

func TestParseUnit(t *testing.T) {
	u, err := parseUnit(`
/* comments are whitespace */
module demo 7
code @main 128
export run 0 @main
import lists reverse 1
builtin self 0 2
end
`)
	if err != nil {
		t.Fatalf("parseUnit: %v", err)
	}
	if u.Module != "demo" || u.Version != 7 {
		t.Errorf("header parsed as %s/%d", u.Module, u.Version)
	}
	if len(u.Blocks) != 1 || u.Blocks[0].Label != "@main" || u.Blocks[0].Size != 128 {
		t.Errorf("blocks parsed as %v", u.Blocks)
	}
	if len(u.Exports) != 1 || u.Exports[0] != (exportDecl{"run", 0, "@main"}) {
		t.Errorf("exports parsed as %v", u.Exports)
	}
	if len(u.Imports) != 1 || u.Imports[0] != (importDecl{"lists", "reverse", 1}) {
		t.Errorf("imports parsed as %v", u.Imports)
	}
	if len(u.Builtins) != 1 || u.Builtins[0] != (builtinDecl{"self", 0, 2}) {
		t.Errorf("builtins parsed as %v", u.Builtins)
	}
}

func TestParseUnitBoundaries(t *testing.T) {
	u, err := parseUnit("module bare 1 end")
	if err != nil {
		t.Fatalf("parseUnit: %v", err)
	}
	if u.Module != "bare" || len(u.Blocks)+len(u.Exports)+len(u.Imports)+len(u.Builtins) != 0 {
		t.Errorf("empty unit parsed as %+v", u)
	}
	if _, err := parseUnit("module bare 1 end trailing"); err == nil {
		t.Error("input after end accepted")
	}
	if _, err := parseUnit("modules bare 1 end"); err == nil {
		t.Error("keyword accepted as an identifier prefix")
	}
}

func TestValidate(t *testing.T) {
	bad := []string{
		// duplicate label
		"module m 1\ncode @a 16\ncode @a 16\nend\n",
		// empty block
		"module m 1\ncode @a 0\nend\n",
		// unknown label
		"module m 1\nexport f 0 @a\nend\n",
		// duplicate export
		"module m 1\ncode @a 16\nexport f 0 @a\nexport f 0 @a\nend\n",
	}
	for i, src := range bad {
		u, err := parseUnit(src)
		if err != nil {
			t.Fatalf("%d: parseUnit: %v", i, err)
		}
		if err := u.validate(); err == nil {
			t.Errorf("%d: validate accepted a broken unit", i)
		}
	}
}
