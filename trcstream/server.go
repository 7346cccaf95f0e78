package trcstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/bernerdschaefer/eventsource"
	"github.com/peterbourgon/trcagent"
	"github.com/peterbourgon/trcagent/internal/trcutil"
)

// Server provides an HTTP interface to the runtimes of a supervisor.
//
//	GET  /          stream commands as server-sent events (Accept: text/event-stream)
//	GET  /clients   list runtime stats as JSON
//	POST /event     trigger an event handler (?client=NAME&name=EVENT)
//	POST /exit      exit a runtime and wait for it to finish (?client=NAME&code=N)
type Server struct {
	broker     *Broker
	supervisor *trcagent.Supervisor
	debug      *log.Logger
}

// NewServer returns a server streaming commands from the broker, and routing
// requests to runtimes of the supervisor. If debug is nil, debug messages are
// discarded.
func NewServer(b *Broker, sup *trcagent.Supervisor, debug *log.Logger) *Server {
	if debug == nil {
		debug = log.New(io.Discard, "", 0)
	}
	return &Server{
		broker:     b,
		supervisor: sup,
		debug:      debug,
	}
}

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch path.Base(r.URL.Path) {
	case "clients":
		s.handleClients(w, r)
	case "event":
		s.handleEvent(w, r)
	case "exit":
		s.handleExit(w, r)
	default:
		s.handleStream(w, r)
	}
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, fmt.Errorf("method %s not allowed", r.Method), http.StatusMethodNotAllowed)
		return
	}

	res := struct {
		Clients  []string         `json:"clients"`
		Runtimes []trcagent.Stats `json:"runtimes"`
	}{
		Clients:  s.supervisor.Clients(),
		Runtimes: []trcagent.Stats{},
	}
	for _, rt := range s.supervisor.Runtimes() {
		res.Runtimes = append(res.Runtimes, rt.Stats())
	}

	respondJSON(w, http.StatusOK, res)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*trcagent.Runtime, bool) {
	if r.Method != http.MethodPost {
		respondError(w, fmt.Errorf("method %s not allowed", r.Method), http.StatusMethodNotAllowed)
		return nil, false
	}

	client := r.URL.Query().Get("client")
	rt, ok := s.supervisor.Lookup(client)
	if !ok {
		respondError(w, fmt.Errorf("client %q not found", client), http.StatusNotFound)
		return nil, false
	}

	return rt, true
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.lookup(w, r)
	if !ok {
		return
	}

	name := r.URL.Query().Get("name")
	s.debug.Printf("%s: event %q", rt.Name(), name)
	rt.HandleEvent(name)

	respondJSON(w, http.StatusAccepted, map[string]any{"client": rt.Name(), "event": name})
}

func (s *Server) handleExit(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var code int
	if str := r.URL.Query().Get("code"); str != "" {
		n, err := strconv.Atoi(str)
		if err != nil {
			respondError(w, fmt.Errorf("invalid exit code: %w", err), http.StatusBadRequest)
			return
		}
		code = n
	}

	s.debug.Printf("%s: exit %d requested", rt.Name(), code)

	if err := rt.HandleExit(r.Context(), code); err != nil {
		respondError(w, fmt.Errorf("exit %s: %w", rt.Name(), err), http.StatusGatewayTimeout)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"client": rt.Name(), "code": code})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		respondError(w, fmt.Errorf("method %s not allowed", r.Method), http.StatusMethodNotAllowed)
		return
	}

	if !accepts(r, "text/event-stream") {
		respondError(w, fmt.Errorf("invalid request Accept header (%s)", r.Header.Get("accept")), http.StatusBadRequest)
		return
	}

	f, errs := parseFilter(r.URL.Query())
	if len(errs) > 0 {
		respondError(w, fmt.Errorf("bad request: %s", strings.Join(trcutil.FlattenErrors(errs...), "; ")), http.StatusBadRequest)
		return
	}

	var (
		ctx     = r.Context()
		stats   = clamp(r.URL.Query().Get("stats"), time.ParseDuration, time.Second, 10*time.Second, time.Minute)
		sendbuf = clamp(r.URL.Query().Get("sendbuf"), strconv.Atoi, 0, 100, 100000)
		itemc   = make(chan Item, sendbuf)
		donec   = make(chan struct{})
	)

	s.debug.Printf("stream %s: filter %s, stats %s, sendbuf %d", r.RemoteAddr, f, stats, sendbuf)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		stats, err := s.broker.Stream(ctx, f, itemc)
		s.debug.Printf("stream %s: done, %s, error=%v", r.RemoteAddr, stats, err)
		close(donec)
	}()
	defer func() {
		cancel()
		<-donec
	}()

	eventsource.Handler(func(lastId string, encoder *eventsource.Encoder, stop <-chan bool) {
		ticker := time.NewTicker(stats)
		defer ticker.Stop()

		initc := make(chan struct{}, 1)
		initc <- struct{}{}

		for {
			select {
			case <-initc:
				data, err := json.Marshal(map[string]any{
					"filter":  f,
					"sendbuf": cap(itemc),
					"clients": s.supervisor.Clients(),
				})
				if err != nil {
					s.debug.Printf("JSON marshal init: %v", err)
					continue
				}

				if err := encoder.Encode(eventsource.Event{
					Type: "init",
					Data: data,
				}); err != nil {
					s.debug.Printf("encode init: %v", err)
					continue
				}

			case <-ticker.C:
				stats, err := s.broker.StreamStats(itemc)
				if err != nil {
					s.debug.Printf("get stats: %v", err)
					continue
				}

				data, err := json.Marshal(stats)
				if err != nil {
					s.debug.Printf("JSON marshal stats: %v", err)
					continue
				}

				if err := encoder.Encode(eventsource.Event{
					Type: "stats",
					Data: data,
				}); err != nil {
					s.debug.Printf("encode stats: %v", err)
					continue
				}

			case it := <-itemc:
				data, err := json.Marshal(it)
				if err != nil {
					s.debug.Printf("JSON marshal item: %v", err)
					continue
				}

				if err := encoder.Encode(eventsource.Event{
					Type: "command",
					ID:   strconv.FormatUint(it.Seq, 10),
					Data: data,
				}); err != nil {
					s.debug.Printf("encode command: %v", err)
					continue
				}

			case <-donec:
				s.debug.Printf("stopping: stream done")
				return

			case <-stop:
				s.debug.Printf("stopping: stop signal")
				cancel()
				return

			case <-ctx.Done():
				s.debug.Printf("stopping: context done (%v)", ctx.Err())
				return
			}
		}
	}).ServeHTTP(w, r)
}
