// Package wire implements AeroDB's operation envelope: newline-delimited
// JSON requests in, one JSON response per request out (spec §6). Adapted
// from bundoc/wire's typed request/reply shapes, replacing its binary
// opcode-length header with the spec's line-oriented JSON transport.
package wire

import (
	"bufio"
	"encoding/json"
	"io"

	"github.com/aerodb/aerodb/internal/aeroerr"
	"github.com/aerodb/aerodb/internal/backpressure"
	"github.com/aerodb/aerodb/internal/engine"
	"github.com/aerodb/aerodb/internal/schema"
)

// Request is the inbound operation envelope: {"op": "...", ...}.
type Request struct {
	Op         string                 `json:"op"`
	Collection string                 `json:"collection,omitempty"`
	PK         string                 `json:"pk,omitempty"`
	Doc        map[string]interface{} `json:"doc,omitempty"`
	Claims     map[string]interface{} `json:"claims,omitempty"`
	SchemaOp   *SchemaOpRequest       `json:"schema_op,omitempty"`
	SnapshotID string                 `json:"snapshot_id,omitempty"`
	Token      string                 `json:"token,omitempty"`
	Phrase     string                 `json:"phrase,omitempty"`
	Operation  string                 `json:"operation,omitempty"`
	Resource   string                 `json:"resource,omitempty"`
	Requester  string                 `json:"requester,omitempty"`
}

// SchemaOpRequest mirrors schema.SchemaOp at the wire boundary.
type SchemaOpRequest struct {
	Kind       string              `json:"kind"`
	NewName    string              `json:"new_name,omitempty"`
	Descriptor *schema.Descriptor  `json:"descriptor,omitempty"`
}

// Response is the outbound envelope: {"ok": bool, "data"|"error": ...}.
type Response struct {
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error *ErrorBody  `json:"error,omitempty"`
}

// ErrorBody carries the stable AERO_ code and severity (spec §7).
type ErrorBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// ServeNDJSON reads one JSON request per line from r and writes one JSON
// response per line to w, until r is exhausted or a fatal error occurs.
// Every mutating op maps to a single WAL append before the response is
// written (spec §6's "operation dispatcher" contract). The whole loop
// counts as one connection against the BackpressureManager's connection
// cap, and each request passes through the queue and per-connection caps
// before reaching Dispatch (spec §2's data flow: "client -> admission ->
// backpressure -> dispatcher").
func ServeNDJSON(db *engine.Database, r io.Reader, w io.Writer) error {
	bp := db.Backpressure()
	connGuard, err := bp.AcquireConnection()
	if err != nil {
		return json.NewEncoder(w).Encode(errorResponse(err))
	}
	defer connGuard.Release()
	perConn := bp.NewPerConnCounter()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	enc := json.NewEncoder(w)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			enc.Encode(errorResponse(aeroerr.New(aeroerr.CodeUnknownOp, "malformed request envelope", aeroerr.SeverityError)))
			continue
		}

		resp := dispatchWithBackpressure(db, bp, perConn, &req)
		if err := enc.Encode(resp); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// ServeOne reads exactly one request and writes exactly one response,
// used by the `query`/`explain` CLI variants. It still counts as one
// connection/operation against the backpressure caps.
func ServeOne(db *engine.Database, r io.Reader, w io.Writer) error {
	bp := db.Backpressure()
	connGuard, err := bp.AcquireConnection()
	if err != nil {
		return json.NewEncoder(w).Encode(errorResponse(err))
	}
	defer connGuard.Release()
	perConn := bp.NewPerConnCounter()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	if !scanner.Scan() {
		return scanner.Err()
	}

	var req Request
	if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
		return json.NewEncoder(w).Encode(errorResponse(aeroerr.New(aeroerr.CodeUnknownOp, "malformed request envelope", aeroerr.SeverityError)))
	}

	resp := dispatchWithBackpressure(db, bp, perConn, &req)
	return json.NewEncoder(w).Encode(resp)
}

// dispatchWithBackpressure reserves a queue slot for req, checks it against
// queue_timeout_ms once a worker is ready to process it, reserves a
// per-connection operation slot, then dispatches (spec §4.6).
func dispatchWithBackpressure(db *engine.Database, bp *backpressure.Manager, perConn *backpressure.PerConnCounter, req *Request) Response {
	ticket, err := bp.Enqueue()
	if err != nil {
		return errorResponse(err)
	}
	opGuard, err := perConn.AcquireOp()
	if err != nil {
		ticket.Dequeue()
		return errorResponse(err)
	}
	defer opGuard.Release()
	if err := ticket.Dequeue(); err != nil {
		return errorResponse(err)
	}
	return Dispatch(db, req)
}

func errorResponse(err error) Response {
	code := aeroerr.Code(err)
	if code == "" {
		code = "AERO_DISPATCH_UNKNOWN_OP"
	}
	severity := "error"
	if ae, ok := err.(*aeroerr.AeroError); ok {
		severity = string(ae.Severity)
	}
	return Response{OK: false, Error: &ErrorBody{Code: code, Message: err.Error(), Severity: severity}}
}
