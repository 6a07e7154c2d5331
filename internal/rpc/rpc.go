// Package rpc implements the engine's stdio control plane (spec
// §4.1/§6): one JSON value per line in, one JSON value per line out,
// a closed method table, and an event stream sharing the same
// stdout writer. Grounded on the teacher's single-owner channel
// pattern (session/run.go's one goroutine driving all state through
// a command channel) generalized here to a request-dispatch loop
// instead of a torrent's state machine.
package rpc

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/fetchd/engine/internal/apperr"
	btsession "github.com/fetchd/engine/internal/bittorrent/session"
	"github.com/fetchd/engine/internal/config"
	"github.com/fetchd/engine/internal/controller"
	"github.com/fetchd/engine/internal/events"
	"github.com/fetchd/engine/internal/logger"
	"github.com/fetchd/engine/internal/storage"
)

// DrainTimeout bounds how long the server waits for in-flight requests
// to finish once stdin reaches EOF. Handlers still running after it are
// not cancelled; Run returns without them.
const DrainTimeout = 5 * time.Second

// maxLineSize raises bufio.Scanner's default 64 KiB token buffer; a
// base64-encoded .torrent file in add_torrent_file can comfortably
// exceed that.
const maxLineSize = 32 * 1024 * 1024

// Request is one line of client input (spec §4.1). ID is carried as a
// raw JSON value so numeric, string, or null client request ids all
// pass through untouched in the matching Response.
type Request struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers exactly one Request by ID.
type Response struct {
	ID     json.RawMessage `json:"id"`
	Result interface{}     `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// Event is an engine-initiated, unsolicited line sharing the stream
// with Responses (spec §4.1's "events and responses share one
// stream").
type Event struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// RPCError is a JSON-RPC-shaped error payload.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

// Handler is a closed-table method implementation: decode params,
// do the work, return a JSON-marshalable result.
type Handler func(s *Server, params json.RawMessage) (interface{}, error)

// Server owns the stdin reader and stdout writer goroutines. A single
// write mutex serializes Responses and Events onto the same stream,
// exactly as spec §4.1 requires.
type Server struct {
	in io.Reader

	writeMu sync.Mutex
	enc     *json.Encoder

	log logger.Logger

	sub *events.Subscription

	wg sync.WaitGroup

	// Deps is the set of engine components method handlers are
	// allowed to reach; kept as a single struct so Handler's
	// signature doesn't grow a parameter per new dependency.
	Deps Deps
}

// Deps bundles the engine components the closed method table is
// allowed to call into.
type Deps struct {
	Controller *controller.Controller
	Bittorrent *btsession.Session
	Store      *storage.Store
	Config     *config.Config
}

// NewServer wires a Server to in/out and subscribes it to bus for
// event forwarding.
func NewServer(in io.Reader, out io.Writer, bus *events.Bus, deps Deps) *Server {
	return &Server{
		in:   in,
		enc:  json.NewEncoder(out),
		log:  logger.New("rpc"),
		sub:  bus.Subscribe(),
		Deps: deps,
	}
}

// Run blocks, reading requests line by line and dispatching each onto
// its own goroutine (handlers may block on network/disk I/O), until
// stdin reaches EOF. It then drains in-flight handlers (bounded by
// DrainTimeout) before returning.
func (s *Server) Run() error {
	go s.forwardEvents()

	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		if len(line) == 0 {
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.dispatch(line)
		}()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(DrainTimeout):
		s.log.Warningln("drain timeout exceeded, exiting with requests still in flight")
	}

	s.sub.Close()
	return scanner.Err()
}

func (s *Server) dispatch(line []byte) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.writeResponse(Response{Error: &RPCError{Code: codeParseError, Message: err.Error()}})
		return
	}

	handler, ok := Methods[req.Method]
	if !ok {
		s.writeResponse(Response{ID: req.ID, Error: &RPCError{Code: codeMethodNotFound, Message: "method not found: " + req.Method}})
		return
	}

	result, err := handler(s, req.Params)
	if err != nil {
		s.writeResponse(Response{ID: req.ID, Error: toRPCError(err)})
		return
	}
	s.writeResponse(Response{ID: req.ID, Result: result})
}

func toRPCError(err error) *RPCError {
	if ve, ok := err.(*validationError); ok {
		return &RPCError{Code: codeInvalidParams, Message: ve.Error()}
	}
	if ae, ok := err.(*apperr.Error); ok {
		return &RPCError{Code: -32000 - apperr.Code(ae.Kind), Message: ae.Error()}
	}
	return &RPCError{Code: -32000 - apperr.Code(apperr.Unknown), Message: err.Error()}
}

func (s *Server) writeResponse(r Response) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.enc.Encode(r); err != nil {
		s.log.Errorln("write response:", err.Error())
	}
}

func (s *Server) forwardEvents() {
	for ev := range s.sub.C {
		s.writeMu.Lock()
		err := s.enc.Encode(Event{Event: ev.Name, Data: ev.Data})
		s.writeMu.Unlock()
		if err != nil {
			s.log.Errorln("write event:", err.Error())
		}
	}
}

type validationError struct{ msg string }

func (e *validationError) Error() string { return e.msg }
