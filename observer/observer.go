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

import "io"
import "fmt"
import "sort"
import "sync"
import "time"
import "net/http"
import "sync/atomic"
import "encoding/json"
import "github.com/gorilla/websocket"
import "github.com/docker/go-units"
import "golang.org/x/text/collate"
import "golang.org/x/text/language"
import "github.com/riccardomanfrin/otp/vm"
import "github.com/riccardomanfrin/otp/loader"

// Observer exposes the dispatch tables over HTTP: /info as a readable
// dump, /stats as JSON, /live as a websocket pushed on every commit.
type Observer struct {
	exports *vm.ExportTable
	loader  *loader.Loader
	latest  atomic.Pointer[Snapshot]
	clients map[*websocket.Conn]bool
	mu      sync.Mutex
	started time.Time
}

func New(l *loader.Loader) *Observer {
	o := new(Observer)
	o.exports = l.Exports
	o.loader = l
	o.clients = make(map[*websocket.Conn]bool)
	o.started = time.Now()
	o.latest.Store(o.Collect())
	l.Exports.Indexer().OnCommit(o.onCommit)
	return o
}

// Serve starts the HTTP endpoint in the background.
func (o *Observer) Serve(port int) {
	mux := http.NewServeMux()
	mux.HandleFunc("/info", o.guard(o.handleInfo))
	mux.HandleFunc("/stats", o.guard(o.handleStats))
	mux.HandleFunc("/live", o.handleLive)
	server := &http.Server{
		Addr:           fmt.Sprintf(":%v", port),
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	go server.ListenAndServe()
}

// catch panics and print out 500 Internal Server Error
func (o *Observer) guard(handler http.HandlerFunc) http.HandlerFunc {
	return func(res http.ResponseWriter, req *http.Request) {
		defer func() {
			if r := recover(); r != nil {
				fmt.Println("error in http handler:", r)
				res.Header().Set("Content-Type", "text/plain")
				res.WriteHeader(500)
				io.WriteString(res, "500 Internal Server Error: ")
				io.WriteString(res, fmt.Sprint(r))
			}
		}()
		handler(res, req)
	}
}

func (o *Observer) handleStats(res http.ResponseWriter, req *http.Request) {
	res.Header().Set("Content-Type", "application/json")
	json.NewEncoder(res).Encode(o.Collect())
}

func (o *Observer) handleInfo(res http.ResponseWriter, req *http.Request) {
	res.Header().Set("Content-Type", "text/plain")
	s := o.Collect()
	fmt.Fprintf(res, "uptime: %v\n", time.Since(o.started).Round(time.Second))
	fmt.Fprintf(res, "active generation: %d (%d commits)\n", s.ActiveIndex, s.Commits)
	fmt.Fprintf(res, "atoms: %d (%s)\n", s.Atoms, units.HumanSize(float64(s.AtomBytes)))
	fmt.Fprintf(res, "exports: %d loaded, %d stubs, %d builtins, %d traced (%s)\n",
		s.Loaded, s.Stubs, s.Builtins, s.Traced, units.HumanSize(float64(s.ExportBytes)))
	fmt.Fprintf(res, "code: %s in %d blocks\n", units.HumanSize(float64(s.CodeBytes)), o.loader.Arena.Count())
	fmt.Fprintf(res, "\n")
	o.exports.Info(res, false)
	fmt.Fprintf(res, "\n=modules\n")
	modules := o.loader.Modules.List(s.ActiveIndex)
	c := collate.New(language.English, collate.Numeric)
	sort.Slice(modules, func(i, j int) bool {
		return c.CompareString(modules[i].Name, modules[j].Name) < 0
	})
	for _, mv := range modules {
		fmt.Fprintf(res, "%s version %d instance %s loaded %s from %s\n",
			mv.Name, mv.Version, mv.Instance, mv.Loaded.Format(time.RFC3339), mv.Path)
	}
	if old := o.loader.Modules.Old(); len(old) > 0 {
		fmt.Fprintf(res, "\n=old modules (not yet purged)\n")
		for _, mv := range old {
			fmt.Fprintf(res, "%s version %d instance %s\n", mv.Name, mv.Version, mv.Instance)
		}
	}
}

func (o *Observer) handleLive(res http.ResponseWriter, req *http.Request) {
	var upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	ws, err := upgrader.Upgrade(res, req, nil)
	if err != nil {
		fmt.Println("websocket upgrade failed:", err)
		return
	}
	o.mu.Lock()
	o.clients[ws] = true
	ws.WriteJSON(o.Latest())
	o.mu.Unlock()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				fmt.Println("error in websocket receive:", r)
			}
		}()
		for {
			// websocket read loop; subscribers don't send anything, we
			// just have to notice them leaving
			_, _, err := ws.ReadMessage()
			if err != nil {
				o.mu.Lock()
				delete(o.clients, ws)
				o.mu.Unlock()
				ws.Close()
				if _, ok := err.(*websocket.CloseError); !ok {
					fmt.Println("websocket read:", err)
				}
				return
			}
		}
	}()
}

func (o *Observer) broadcast(s *Snapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for ws := range o.clients {
		if err := ws.WriteJSON(s); err != nil {
			delete(o.clients, ws)
			ws.Close()
		}
	}
}
