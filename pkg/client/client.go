// Package client is a thin Go client for AeroDB's newline-delimited JSON
// operation protocol (spec §6). Adapted from bundoc/client's
// Client/Database/Collection handle layering, with the binary opcode
// wire protocol replaced by one JSON object per line.
package client

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Client wraps a single connection to a running `aerodb start` process
// (or any transport carrying its NDJSON protocol) behind a mutex, so
// concurrent callers serialize onto one request/response pair at a time.
type Client struct {
	mu  sync.Mutex
	rw  io.ReadWriter
	enc *json.Encoder
	dec *bufio.Scanner
}

// New wraps an already-established connection.
func New(rw io.ReadWriter) *Client {
	scanner := bufio.NewScanner(rw)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &Client{rw: rw, enc: json.NewEncoder(rw), dec: scanner}
}

// request is the envelope this client sends; fields mirror wire.Request.
type request struct {
	Op         string                 `json:"op"`
	Collection string                 `json:"collection,omitempty"`
	PK         string                 `json:"pk,omitempty"`
	Doc        map[string]interface{} `json:"doc,omitempty"`
	SnapshotID string                 `json:"snapshot_id,omitempty"`
	Token      string                 `json:"token,omitempty"`
	Phrase     string                 `json:"phrase,omitempty"`
	Operation  string                 `json:"operation,omitempty"`
	Resource   string                 `json:"resource,omitempty"`
	Requester  string                 `json:"requester,omitempty"`
}

// response mirrors wire.Response.
type response struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *struct {
		Code     string `json:"code"`
		Message  string `json:"message"`
		Severity string `json:"severity"`
	} `json:"error,omitempty"`
}

func (c *Client) roundTrip(req request) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.enc.Encode(req); err != nil {
		return nil, fmt.Errorf("aerodb client: failed to send request: %w", err)
	}
	if !c.dec.Scan() {
		if err := c.dec.Err(); err != nil {
			return nil, fmt.Errorf("aerodb client: failed to read response: %w", err)
		}
		return nil, fmt.Errorf("aerodb client: connection closed before a response arrived")
	}

	var resp response
	if err := json.Unmarshal(c.dec.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("aerodb client: malformed response: %w", err)
	}
	if !resp.OK {
		if resp.Error != nil {
			return nil, fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
		}
		return nil, fmt.Errorf("aerodb client: operation failed with no error detail")
	}
	return resp.Data, nil
}

// Database returns a handle scoped to operations against collections, for
// API parity with the teacher's Database/Collection layering (AeroDB has
// no separate database namespace at the protocol level, so this is a
// thin passthrough).
func (c *Client) Database() *Database { return &Database{client: c} }

// Database is a handle for obtaining Collection handles.
type Database struct {
	client *Client
}

// Collection returns a handle scoped to one named collection.
func (db *Database) Collection(name string) *Collection {
	return &Collection{client: db.client, name: name}
}

// Collection is a handle for document operations against one collection.
type Collection struct {
	client *Client
	name   string
}

// Put upserts a document by primary key.
func (c *Collection) Put(pk string, doc map[string]interface{}) error {
	_, err := c.client.roundTrip(request{Op: "put", Collection: c.name, PK: pk, Doc: doc})
	return err
}

// Get fetches a document by primary key. A nil, nil result means not found.
func (c *Collection) Get(pk string) (map[string]interface{}, error) {
	data, err := c.client.roundTrip(request{Op: "get", Collection: c.name, PK: pk})
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("aerodb client: malformed document: %w", err)
	}
	return doc, nil
}

// Delete removes a document by primary key.
func (c *Collection) Delete(pk string) error {
	_, err := c.client.roundTrip(request{Op: "delete", Collection: c.name, PK: pk})
	return err
}

// Scan returns every live document in the collection.
func (c *Collection) Scan() ([]map[string]interface{}, error) {
	data, err := c.client.roundTrip(request{Op: "scan", Collection: c.name})
	if err != nil {
		return nil, err
	}
	var docs []map[string]interface{}
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("aerodb client: malformed scan result: %w", err)
	}
	return docs, nil
}

// Status fetches the database's current operational status.
func (c *Client) Status() (map[string]interface{}, error) {
	data, err := c.roundTrip(request{Op: "status"})
	if err != nil {
		return nil, err
	}
	var status map[string]interface{}
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("aerodb client: malformed status: %w", err)
	}
	return status, nil
}
