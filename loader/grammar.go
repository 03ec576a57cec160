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
import "strconv"
import packrat "github.com/launix-de/go-packrat/v2"

/*
	A code unit is a plain text description of one loadable module:

		module lists 2
		code @rev 128
		export reverse 1 @rev
		builtin keysort 2 7
		import erlang apply 3
		end

	"module" opens the unit with the module name and version. "code"
	places a block of the given byte size and labels it. "export" makes
	a function callable at a labeled block. "builtin" exports a function
	backed by a numbered native routine instead of a block. "import"
	declares a call into another module; the referenced function does
	not have to be loaded yet. Whitespace is free-form and C-style
	comments are skipped.
*/

type importDecl struct {
	Module   string
	Function string
	Arity    uint32
}

type exportDecl struct {
	Function string
	Arity    uint32
	Label    string
}

type builtinDecl struct {
	Function string
	Arity    uint32
	Number   int32
}

type codeBlock struct {
	Label string
	Size  int
}

type unitFile struct {
	Module   string
	Version  int
	Imports  []importDecl
	Exports  []exportDecl
	Builtins []builtinDecl
	Blocks   []codeBlock
}

// MaxArity bounds function arities; dispatch tables elsewhere assume it.
const MaxArity = 255

// stmt is what the grammar callbacks hand back: one keyword statement
// reduced to its word tokens, in source order.
type stmt struct {
	kind string
	args []string
}

// unitParser builds the parser tree for one parse. The combinators
// buffer sub-matches per parser instance, so a tree must not be shared
// between concurrent parses.
func unitParser() packrat.Parser[any] {
	word := func(m string) any { return m }
	name := packrat.NewRegexParser(word, `[a-z][A-Za-z0-9_]*`, false, true)
	number := packrat.NewRegexParser(word, `[0-9]+`, false, true)
	label := packrat.NewRegexParser(word, `@[a-z][A-Za-z0-9_]*`, false, true)
	statement := func(kind string, parts ...packrat.Parser[any]) packrat.Parser[any] {
		sub := make([]packrat.Parser[any], 0, len(parts)+1)
		sub = append(sub, packrat.NewAtomParser[any](nil, kind, false, true))
		sub = append(sub, parts...)
		return packrat.NewAndParser(func(_ string, args ...any) any {
			words := make([]string, 0, len(args))
			for _, a := range args {
				if w, ok := a.(string); ok {
					words = append(words, w)
				}
			}
			return stmt{kind, words}
		}, sub...)
	}
	statements := packrat.NewKleeneParser(func(_ string, args ...any) any {
		lines := make([]stmt, 0, len(args))
		for _, a := range args {
			lines = append(lines, a.(stmt))
		}
		return lines
	}, packrat.NewOrParser(
		statement("import", name, name, number),
		statement("export", name, number, label),
		statement("builtin", name, number, number),
		statement("code", label, number),
	), nil)
	return packrat.NewAndParser(func(_ string, args ...any) any {
		return append([]stmt{args[0].(stmt)}, args[1].([]stmt)...)
	}, statement("module", name, number), statements, packrat.NewAtomParser[any](nil, "end", false, true))
}

func parseNumber(s string, what string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("bad %s %q: %w", what, s, err)
	}
	return n, nil
}

func parseArity(s string) (uint32, error) {
	n, err := parseNumber(s, "arity")
	if err != nil {
		return 0, err
	}
	if n > MaxArity {
		return 0, fmt.Errorf("arity %d exceeds %d", n, MaxArity)
	}
	return uint32(n), nil
}

// parseUnit parses the textual form. The grammar reduces each statement
// to its word tokens; numbers are converted here because parser
// callbacks have no error path to report a bad literal through.
func parseUnit(src string) (*unitFile, error) {
	node, perr := packrat.Parse(unitParser(), packrat.NewScanner[any](src, packrat.SkipWhitespaceAndCommentsRegex))
	if perr != nil {
		return nil, perr
	}
	lines := node.Payload.([]stmt)
	u := new(unitFile)
	u.Module = lines[0].args[0]
	version, err := parseNumber(lines[0].args[1], "version")
	if err != nil {
		return nil, err
	}
	u.Version = version
	for _, line := range lines[1:] {
		switch line.kind {
		case "import":
			arity, err := parseArity(line.args[2])
			if err != nil {
				return nil, err
			}
			u.Imports = append(u.Imports, importDecl{line.args[0], line.args[1], arity})
		case "export":
			arity, err := parseArity(line.args[1])
			if err != nil {
				return nil, err
			}
			u.Exports = append(u.Exports, exportDecl{line.args[0], arity, line.args[2]})
		case "builtin":
			arity, err := parseArity(line.args[1])
			if err != nil {
				return nil, err
			}
			number, err := parseNumber(line.args[2], "builtin number")
			if err != nil {
				return nil, err
			}
			u.Builtins = append(u.Builtins, builtinDecl{line.args[0], arity, int32(number)})
		case "code":
			size, err := parseNumber(line.args[1], "code size")
			if err != nil {
				return nil, err
			}
			u.Blocks = append(u.Blocks, codeBlock{line.args[0], size})
		}
	}
	return u, nil
}

// validate checks the unit's internal references before anything is
// staged, so a bad unit never opens a staging cycle.
func (u *unitFile) validate() error {
	labels := make(map[string]bool, len(u.Blocks))
	for _, b := range u.Blocks {
		if labels[b.Label] {
			return fmt.Errorf("duplicate code label %s", b.Label)
		}
		if b.Size <= 0 {
			return fmt.Errorf("code block %s has no size", b.Label)
		}
		labels[b.Label] = true
	}
	seen := make(map[string]bool, len(u.Exports)+len(u.Builtins))
	for _, e := range u.Exports {
		if !labels[e.Label] {
			return fmt.Errorf("export %s/%d references unknown label %s", e.Function, e.Arity, e.Label)
		}
		fa := fmt.Sprintf("%s/%d", e.Function, e.Arity)
		if seen[fa] {
			return fmt.Errorf("duplicate export %s", fa)
		}
		seen[fa] = true
	}
	for _, b := range u.Builtins {
		if b.Number < 0 {
			return fmt.Errorf("builtin %s/%d has a negative number", b.Function, b.Arity)
		}
		fa := fmt.Sprintf("%s/%d", b.Function, b.Arity)
		if seen[fa] {
			return fmt.Errorf("duplicate export %s", fa)
		}
		seen[fa] = true
	}
	return nil
}
