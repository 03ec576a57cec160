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
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/dc0d/onexit"
)

type SettingsT struct {
	Backtrace         bool // print goroutine stacks on shell panics
	Trace             bool
	TracePrint        bool
	AtomLimit         int
	ExportInitialSize int
	ExportLimit       int
}

var Settings SettingsT = SettingsT{false, false, false, DefaultAtomLimit, DefaultExportInitialSize, DefaultExportLimit}

// set once the first table is constructed; size settings changed after
// that point only reach tables created later
var tablesBuilt atomic.Bool

// call this after you filled Settings
func InitSettings() {
	SetTrace(Settings.Trace)
	TracePrint = Settings.TracePrint
	onexit.Register(func() { SetTrace(false) }) // close trace file on exit
}

func ShowSettings() string {
	return fmt.Sprintf("Backtrace=%v Trace=%v TracePrint=%v AtomLimit=%d ExportInitialSize=%d ExportLimit=%d",
		Settings.Backtrace, Settings.Trace, Settings.TracePrint, Settings.AtomLimit, Settings.ExportInitialSize, Settings.ExportLimit)
}

// ChangeSetting adjusts one setting at runtime. Table sizes only apply to
// tables created afterwards.
func ChangeSetting(name string, value string) error {
	switch name {
	case "Backtrace":
		Settings.Backtrace = value == "true"
	case "Trace":
		Settings.Trace = value == "true"
		SetTrace(Settings.Trace)
	case "TracePrint":
		Settings.TracePrint = value == "true"
		TracePrint = Settings.TracePrint
	case "AtomLimit":
		return changeTableSize(name, &Settings.AtomLimit, value)
	case "ExportInitialSize":
		return changeTableSize(name, &Settings.ExportInitialSize, value)
	case "ExportLimit":
		return changeTableSize(name, &Settings.ExportLimit, value)
	default:
		return fmt.Errorf("unknown setting: %s", name)
	}
	return nil
}

func changeTableSize(name string, target *int, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return err
	}
	*target = n
	if tablesBuilt.Load() {
		fmt.Println("warning:", name, "applies when a table is created; the running tables keep their size")
	}
	return nil
}
