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
import "time"
import "github.com/fsnotify/fsnotify"

// Watch reloads units as they change in dir, for the rest of the
// process lifetime. Hot code swapping from the editor: save the file,
// the module flips on the next commit.
func (l *Loader) Watch(dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	err = watcher.Add(dir)
	if err != nil {
		watcher.Close()
		return err
	}
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				changed := make(map[string]bool)
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					changed[event.Name] = true
				}
				// flush all other events
				for {
					time.Sleep(10 * time.Millisecond) // delay a bit, so we don't read half-written files
					select {
					case event, ok := <-watcher.Events:
						if !ok {
							return
						}
						if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
							changed[event.Name] = true
						}
					default:
						goto to_reload
					}
				}
				to_reload:
				for path := range changed {
					if !isUnitPath(path) {
						continue
					}
					// now reload the unit
					func() {
						defer func() {
							if err := recover(); err != nil {
								// error happens during reload: log to console
								fmt.Println(err)
							}
						}()
						if _, err := l.Load(path); err != nil {
							fmt.Println("reload of", path, "failed:", err)
						}
					}()
				}
			}
		}
	}()
	return nil
}
