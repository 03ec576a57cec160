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

import "io"
import "os"
import "fmt"
import "time"
import "context"
import "path/filepath"
import "github.com/google/uuid"
import "github.com/riccardomanfrin/otp/vm"

// every builtin dispatches through its own thunk of this many bytes
const builtinThunkSize = 16

// Loader turns code units into live dispatch entries. Each Load runs a
// full staging cycle: parse, place code, stage the entries, commit. A
// failing load aborts the cycle and the active generation never sees it.
type Loader struct {
	Exports *vm.ExportTable
	Modules *ModuleTable
	Arena   *CodeArena
}

func New(exports *vm.ExportTable) *Loader {
	l := new(Loader)
	l.Exports = exports
	l.Modules = NewModuleTable(exports.Indexer())
	l.Arena = NewCodeArena()
	return l
}

func (l *Loader) Load(path string) (*ModuleVersion, error) {
	var mv *ModuleVersion
	var err error
	if vm.Trace != nil {
		vm.Trace.Duration("load "+path, "loader", func() {
			mv, err = l.load(path)
		})
	} else {
		mv, err = l.load(path)
	}
	if vm.TracePrint {
		if err == nil {
			fmt.Println("loaded", mv.Name, "version", mv.Version, "from", path)
		} else {
			fmt.Println("load failed:", err)
		}
	}
	return mv, err
}

func (l *Loader) load(path string) (*ModuleVersion, error) {
	stream, err := openUnit(path)
	if err != nil {
		return nil, err
	}
	src, err := io.ReadAll(stream)
	stream.Close()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	u, err := parseUnit(string(src))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := u.validate(); err != nil {
		return nil, fmt.Errorf("unit %s: %w", path, err)
	}

	ix := l.Exports.Indexer()
	if err := ix.BeginStaging(context.Background()); err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			ix.Abort()
		}
	}()
	mv, err := l.stage(u, path)
	if err != nil {
		return nil, err
	}
	ix.Commit()
	committed = true
	return mv, nil
}

// stage places the unit's code and writes its entries into the staging
// generation. Runs between BeginStaging and Commit; on error the caller
// aborts and the placed code is released again.
func (l *Loader) stage(u *unitFile, path string) (*ModuleVersion, error) {
	stagingIx := l.Exports.Indexer().Staging()
	atoms := l.Exports.Atoms()
	module := atoms.Intern(u.Module)

	mv := &ModuleVersion{
		Name:     u.Module,
		Version:  u.Version,
		Instance: uuid.New(),
		Path:     path,
		Loaded:   time.Now(),
	}
	unplace := func() {
		for _, o := range mv.Code {
			l.Arena.Release(o)
		}
	}

	blocks := make(map[string]*CodeObject, len(u.Blocks))
	for _, b := range u.Blocks {
		o, err := l.Arena.Place(u.Module, u.Version, b.Label, b.Size)
		if err != nil {
			unplace()
			return nil, err
		}
		blocks[b.Label] = o
		mv.Code = append(mv.Code, o)
	}
	var builtins *CodeObject
	if len(u.Builtins) > 0 {
		o, err := l.Arena.Place(u.Module, u.Version, "@builtins", builtinThunkSize*len(u.Builtins))
		if err != nil {
			unplace()
			return nil, err
		}
		builtins = o
		mv.Code = append(mv.Code, o)
	}

	for _, e := range u.Exports {
		mfa := vm.MFA{Module: module, Function: atoms.Intern(e.Function), Arity: e.Arity}
		ep := l.Exports.Put(mfa)
		ep.SetDispatchAddress(stagingIx, blocks[e.Label].Base())
		mv.Exports = append(mv.Exports, mfa)
	}
	for i, b := range u.Builtins {
		mfa := vm.MFA{Module: module, Function: atoms.Intern(b.Function), Arity: b.Arity}
		ep := l.Exports.Put(mfa)
		ep.SetBuiltinNumber(b.Number)
		ep.SetDispatchAddress(stagingIx, builtins.Base()+vm.Address(i*builtinThunkSize))
		mv.Exports = append(mv.Exports, mfa)
	}
	for _, imp := range u.Imports {
		mfa := vm.MFA{Module: atoms.Intern(imp.Module), Function: atoms.Intern(imp.Function), Arity: imp.Arity}
		l.Exports.GetOrMakeStub(mfa)
	}

	l.Modules.Stage(mv)
	return mv, nil
}

// PurgeOld drops hot-swapped module versions and their code. Dispatch
// addresses still pointing into a purged version are reset to the
// trampoline before its code is released, so a function the swap
// dropped traps into the error handler instead of reaching freed bytes.
func (l *Loader) PurgeOld() int {
	victims := l.Modules.PurgeOld()
	for _, mv := range victims {
		l.unlinkExports(mv)
		for _, o := range mv.Code {
			l.Arena.Release(o)
		}
	}
	return len(victims)
}

// unlinkExports resets every dispatch slot of mv's entries that still
// points into mv's code. A breakpoint whose saved address dangles the
// same way is cleared first, so the record does not keep reporting
// loaded code it no longer has.
func (l *Loader) unlinkExports(mv *ModuleVersion) {
	active := l.Exports.Indexer().Active()
	for _, mfa := range mv.Exports {
		ep := l.Exports.Lookup(mfa, active)
		if ep == nil {
			continue
		}
		for ix := vm.CodeIndex(0); ix < vm.NumCodeIndexes; ix++ {
			if ep.TrampolineActive(ix) && ep.Trampoline.Op() == vm.TrampolineBreakpoint && mv.covers(ep.Trampoline.Saved()) {
				vm.ClearBreakpoint(ep, ix)
			}
			if mv.covers(ep.DispatchAddress(ix)) {
				ep.SetDispatchAddress(ix, ep.TrampolineAddress())
			}
		}
	}
}

// LoadDir loads every unit in a directory in name order.
func (l *Loader) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	loaded := 0
	for _, e := range entries {
		if e.IsDir() || !isUnitPath(e.Name()) {
			continue
		}
		if _, err := l.Load(filepath.Join(dir, e.Name())); err != nil {
			return loaded, err
		}
		loaded++
	}
	return loaded, nil
}
