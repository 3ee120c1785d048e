package client

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
	"testing"
)

// loopback implements io.ReadWriter by feeding a scripted sequence of
// response lines back regardless of what was written, for testing request
// encoding and response decoding without a real server.
type loopback struct {
	written []string
	resp    *bufio.Reader
}

func newLoopback(responses ...string) *loopback {
	return &loopback{resp: bufio.NewReader(strings.NewReader(strings.Join(responses, "\n") + "\n"))}
}

func (l *loopback) Write(p []byte) (int, error) {
	l.written = append(l.written, string(p))
	return len(p), nil
}

func (l *loopback) Read(p []byte) (int, error) {
	return l.resp.Read(p)
}

func TestPutSendsCorrectEnvelope(t *testing.T) {
	lb := newLoopback(`{"ok":true}`)
	c := New(lb)
	coll := c.Database().Collection("users")

	if err := coll.Put("1", map[string]interface{}{"name": "ada"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if len(lb.written) != 1 {
		t.Fatalf("expected exactly one request written, got %d", len(lb.written))
	}
	var sent map[string]interface{}
	if err := json.Unmarshal([]byte(lb.written[0]), &sent); err != nil {
		t.Fatalf("unmarshal sent request: %v", err)
	}
	if sent["op"] != "put" || sent["collection"] != "users" || sent["pk"] != "1" {
		t.Fatalf("unexpected request envelope: %v", sent)
	}
}

func TestGetReturnsNilOnMissingDocument(t *testing.T) {
	lb := newLoopback(`{"ok":true,"data":null}`)
	c := New(lb)
	coll := c.Database().Collection("users")

	doc, err := coll.Get("missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if doc != nil {
		t.Fatalf("expected nil document, got %v", doc)
	}
}

func TestRoundTripSurfacesServerError(t *testing.T) {
	lb := newLoopback(`{"ok":false,"error":{"code":"AERO_SCHEMA_VALIDATION_FAILED","message":"missing required field","severity":"error"}}`)
	c := New(lb)
	coll := c.Database().Collection("users")

	err := coll.Put("1", map[string]interface{}{})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "AERO_SCHEMA_VALIDATION_FAILED") {
		t.Fatalf("expected error to carry the stable code, got %v", err)
	}
}

var _ io.ReadWriter = (*loopback)(nil)
