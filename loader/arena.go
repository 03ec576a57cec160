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

import "fmt"
import "sync"
import "unsafe"
import "github.com/google/btree"
import "github.com/riccardomanfrin/otp/vm"

// CodeObject is one placed block of code. Its byte slice is the backing
// memory dispatch addresses point into, so whoever can still dispatch
// there must keep the object referenced.
type CodeObject struct {
	Module  string
	Version int
	Label   string
	bytes   []byte
}

func (o *CodeObject) Base() vm.Address {
	return vm.Address(uintptr(unsafe.Pointer(&o.bytes[0])))
}

func (o *CodeObject) Size() int {
	return len(o.bytes)
}

func (o *CodeObject) String() string {
	return fmt.Sprintf("%s:%d%s", o.Module, o.Version, o.Label)
}

// filler byte so jumping into unwritten code traps instead of sliding
const codeFiller = 0xCC

type codeRange struct {
	base vm.Address
	obj  *CodeObject
}

// CodeArena owns all placed code blocks and resolves addresses back to
// them, the way a crash dump symbolizes a code pointer.
type CodeArena struct {
	ranges *btree.BTreeG[codeRange]
	bytes  int64
	mu     sync.Mutex
}

func NewCodeArena() *CodeArena {
	a := new(CodeArena)
	a.ranges = btree.NewG[codeRange](8, func(i, j codeRange) bool {
		return i.base < j.base
	})
	return a
}

// Place allocates size bytes of code memory for one labeled block.
func (a *CodeArena) Place(module string, version int, label string, size int) (*CodeObject, error) {
	if size <= 0 {
		return nil, fmt.Errorf("code block %s has no size", label)
	}
	o := &CodeObject{Module: module, Version: version, Label: label, bytes: make([]byte, size)}
	for i := range o.bytes {
		o.bytes[i] = codeFiller
	}
	a.mu.Lock()
	a.ranges.ReplaceOrInsert(codeRange{o.Base(), o})
	a.bytes += int64(size)
	a.mu.Unlock()
	return o, nil
}

// Release forgets a placed block; its addresses stop resolving.
func (a *CodeArena) Release(o *CodeObject) {
	a.mu.Lock()
	if _, ok := a.ranges.Delete(codeRange{base: o.Base()}); ok {
		a.bytes -= int64(len(o.bytes))
	}
	a.mu.Unlock()
}

// FindCode resolves an address to the block containing it and the
// offset inside that block.
func (a *CodeArena) FindCode(addr vm.Address) (*CodeObject, int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var found *CodeObject
	a.ranges.DescendLessOrEqual(codeRange{base: addr}, func(r codeRange) bool {
		found = r.obj
		return false
	})
	if found == nil {
		return nil, 0, false
	}
	offset := int(addr - found.Base())
	if offset >= len(found.bytes) {
		return nil, 0, false
	}
	return found, offset, true
}

func (a *CodeArena) Bytes() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bytes
}

func (a *CodeArena) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ranges.Len()
}
