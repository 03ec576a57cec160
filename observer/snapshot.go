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
package observer

import "time"
import "github.com/riccardomanfrin/otp/vm"

// Snapshot is one point-in-time view of the dispatch tables, taken on
// every commit and streamed to /live subscribers.
type Snapshot struct {
	Taken       time.Time    `json:"taken"`
	ActiveIndex vm.CodeIndex `json:"active_index"`
	Commits     int64        `json:"commits"`
	Atoms       int          `json:"atoms"`
	Exports     int          `json:"exports"`
	Loaded      int          `json:"loaded"`
	Stubs       int          `json:"stubs"`
	Builtins    int          `json:"builtins"`
	Traced      int          `json:"traced"`
	Modules     int          `json:"modules"`
	OldModules  int          `json:"old_modules"`
	ExportBytes int64        `json:"export_bytes"`
	CodeBytes   int64        `json:"code_bytes"`
	AtomBytes   int64        `json:"atom_bytes"`
}

// Collect walks the active generation. Lock-free like any other active
// reader, so it can run while a load is staging.
func (o *Observer) Collect() *Snapshot {
	ix := o.exports.Indexer()
	active := ix.Active()
	s := &Snapshot{
		Taken:       time.Now(),
		ActiveIndex: active,
		Commits:     ix.Commits(),
		Atoms:       o.exports.Atoms().Count(),
		AtomBytes:   o.exports.Atoms().Bytes(),
		ExportBytes: o.exports.TotalBytes(),
	}
	o.exports.ForEach(active, func(ep *vm.Export) {
		s.Exports++
		if ep.Loaded(active) {
			s.Loaded++
		} else {
			s.Stubs++
		}
		if ep.IsBuiltin() {
			s.Builtins++
		}
		if ep.Traced() {
			s.Traced++
		}
	})
	if o.loader != nil {
		s.Modules = len(o.loader.Modules.List(active))
		s.OldModules = len(o.loader.Modules.Old())
		s.CodeBytes = o.loader.Arena.Bytes()
	}
	return s
}

// Latest returns the snapshot taken at the most recent commit.
func (o *Observer) Latest() *Snapshot {
	return o.latest.Load()
}

func (o *Observer) onCommit(active vm.CodeIndex) {
	s := o.Collect()
	o.latest.Store(s)
	o.broadcast(s)
}
