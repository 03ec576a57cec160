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
import "strings"
import "compress/gzip"
import "github.com/ulikunitz/xz"
import "github.com/pierrec/lz4/v4"

// streamReader pairs a decompressor with the file underneath it, so
// closing the unit closes the file and not just the wrapper.
type streamReader struct {
	io.Reader
	file *os.File
}

func (s *streamReader) Close() error {
	return s.file.Close()
}

// openUnit opens a code unit for reading, decompressing by extension.
func openUnit(path string) (io.ReadCloser, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	switch {
	case strings.HasSuffix(path, ".gz"):
		result, err := gzip.NewReader(file)
		if err != nil {
			file.Close()
			return nil, err
		}
		return &streamReader{result, file}, nil
	case strings.HasSuffix(path, ".xz"):
		result, err := xz.NewReader(file)
		if err != nil {
			file.Close()
			return nil, err
		}
		return &streamReader{result, file}, nil
	case strings.HasSuffix(path, ".lz4"):
		return &streamReader{lz4.NewReader(file), file}, nil
	}
	return file, nil
}

var unitSuffixes = []string{".unit", ".unit.gz", ".unit.xz", ".unit.lz4"}

// isUnitPath tells whether a directory entry looks like a loadable unit.
func isUnitPath(name string) bool {
	for _, suffix := range unitSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}
