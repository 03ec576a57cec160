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

// unitgen writes demo code units for the loader. It fills a directory
// with interlinked modules, which is handy for loaddir and watch
// experiments and for benchmarking staging cycles.
//
// Usage:
//   go run ./tools/unitgen/ demo/                     # 4 units
//   go run ./tools/unitgen/ -n=32 -version=2 demo/    # hot swap fodder
//   go run ./tools/unitgen/ -compress=xz demo/
package main

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

var moduleNames = []string{"lists", "proplists", "queue", "sets", "maps", "array", "string", "gb_trees"}
var functionNames = []string{"reverse", "append", "member", "foldl", "keysort", "merge", "filter", "map", "seq", "zip"}

func moduleName(i int) string {
	name := moduleNames[i%len(moduleNames)]
	if i >= len(moduleNames) {
		name = fmt.Sprintf("%s_%d", name, i/len(moduleNames))
	}
	return name
}

func functionName(j int) string {
	name := functionNames[j%len(functionNames)]
	if j >= len(functionNames) {
		name = fmt.Sprintf("%s%d", name, j/len(functionNames))
	}
	return name
}

// writeUnit emits one module. Every module imports its predecessor, so
// loading a generated directory exercises stub creation and patching.
func writeUnit(w io.Writer, i int, funcs int, version int) {
	fmt.Fprintf(w, "/* generated by unitgen, do not edit */\n")
	fmt.Fprintf(w, "module %s %d\n", moduleName(i), version)
	for j := 0; j < funcs; j++ {
		fmt.Fprintf(w, "code @%s %d\n", functionName(j), 32+16*j)
	}
	for j := 0; j < funcs; j++ {
		fmt.Fprintf(w, "export %s %d @%s\n", functionName(j), j%4, functionName(j))
	}
	if i%2 == 0 {
		fmt.Fprintf(w, "builtin nif_crc 1 %d\n", i)
	}
	if i > 0 {
		fmt.Fprintf(w, "import %s reverse 0\n", moduleName(i-1))
	}
	fmt.Fprintf(w, "import erlang apply 3\n")
	fmt.Fprintf(w, "end\n")
}

func main() {
	n := 4
	funcs := 6
	version := 1
	compress := ""
	outdir := ""
	for _, arg := range os.Args[1:] {
		if strings.HasPrefix(arg, "-n=") {
			n, _ = strconv.Atoi(arg[len("-n="):])
		} else if strings.HasPrefix(arg, "-funcs=") {
			funcs, _ = strconv.Atoi(arg[len("-funcs="):])
		} else if strings.HasPrefix(arg, "-version=") {
			version, _ = strconv.Atoi(arg[len("-version="):])
		} else if strings.HasPrefix(arg, "-compress=") {
			compress = arg[len("-compress="):]
		} else {
			outdir = arg
		}
	}
	if outdir == "" || n < 1 || funcs < 1 {
		fmt.Fprintf(os.Stderr, "usage: unitgen [-n=COUNT] [-funcs=COUNT] [-version=N] [-compress=gz|xz|lz4] <outdir>\n")
		os.Exit(1)
	}
	suffix := ""
	if compress != "" {
		suffix = "." + compress
		if compress != "gz" && compress != "xz" && compress != "lz4" {
			fmt.Fprintf(os.Stderr, "unknown compression %s\n", compress)
			os.Exit(1)
		}
	}
	if err := os.MkdirAll(outdir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	for i := 0; i < n; i++ {
		filename := filepath.Join(outdir, moduleName(i)+".unit"+suffix)
		f, err := os.Create(filename)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		var w io.Writer = f
		var closer io.Closer
		switch compress {
		case "gz":
			zw := gzip.NewWriter(f)
			w, closer = zw, zw
		case "xz":
			zw, err := xz.NewWriter(f)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
				os.Exit(1)
			}
			w, closer = zw, zw
		case "lz4":
			zw := lz4.NewWriter(f)
			w, closer = zw, zw
		}
		writeUnit(w, i, funcs, version)
		if closer != nil {
			closer.Close()
		}
		f.Close()
		fmt.Println("wrote " + filename)
	}
}
