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

import "sync"
import "time"
import "github.com/google/uuid"
import "github.com/riccardomanfrin/otp/vm"

// ModuleVersion is one loaded incarnation of a module. Instance changes
// on every load even when the version number stays the same, so a
// hot-swapped module is distinguishable from its predecessor.
type ModuleVersion struct {
	Name     string
	Version  int
	Instance uuid.UUID
	Path     string
	Loaded   time.Time
	Code     []*CodeObject
	Exports  []vm.MFA
}

// covers reports whether addr points into one of the version's code blocks.
func (mv *ModuleVersion) covers(addr vm.Address) bool {
	for _, o := range mv.Code {
		base := o.Base()
		if addr >= base && addr < base+vm.Address(o.Size()) {
			return true
		}
	}
	return false
}

// ModuleTable tracks which module versions each code generation
// dispatches into. Staging starts from a copy of the active catalog; a
// hot swap pushes the replaced version onto the old list, where it
// lingers until purged.
type ModuleTable struct {
	gens [vm.NumCodeIndexes]map[string]*ModuleVersion
	old  []*ModuleVersion
	ix   *vm.CodeIndexer
	mu   sync.Mutex
}

func NewModuleTable(ix *vm.CodeIndexer) *ModuleTable {
	t := new(ModuleTable)
	t.ix = ix
	for i := range t.gens {
		t.gens[i] = make(map[string]*ModuleVersion)
	}
	ix.Register(t)
	return t
}

func (t *ModuleTable) StartStaging() {
	t.mu.Lock()
	defer t.mu.Unlock()
	src := t.gens[t.ix.Active()]
	dst := make(map[string]*ModuleVersion, len(src))
	for name, mv := range src {
		dst[name] = mv
	}
	t.gens[t.ix.Staging()] = dst
}

func (t *ModuleTable) EndStaging(commit bool) {
	// nothing to undo on abort: the next cycle rebuilds the staging
	// catalog from the active one anyway
}

// Stage records a version in the staging catalog, displacing a previous
// incarnation onto the old list.
func (t *ModuleTable) Stage(mv *ModuleVersion) {
	t.mu.Lock()
	defer t.mu.Unlock()
	staging := t.gens[t.ix.Staging()]
	if prev, ok := staging[mv.Name]; ok && prev.Instance != mv.Instance {
		t.old = append(t.old, prev)
	}
	staging[mv.Name] = mv
}

func (t *ModuleTable) Lookup(name string, ix vm.CodeIndex) *ModuleVersion {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gens[ix][name]
}

func (t *ModuleTable) List(ix vm.CodeIndex) []*ModuleVersion {
	t.mu.Lock()
	defer t.mu.Unlock()
	result := make([]*ModuleVersion, 0, len(t.gens[ix]))
	for _, mv := range t.gens[ix] {
		result = append(result, mv)
	}
	return result
}

func (t *ModuleTable) Old() []*ModuleVersion {
	t.mu.Lock()
	defer t.mu.Unlock()
	result := make([]*ModuleVersion, len(t.old))
	copy(result, t.old)
	return result
}

// PurgeOld takes every displaced version out of the table. The caller
// owns the returned versions and their code.
func (t *ModuleTable) PurgeOld() []*ModuleVersion {
	t.mu.Lock()
	defer t.mu.Unlock()
	victims := t.old
	t.old = nil
	return victims
}
