// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// JSONRPCVersion is the JSON-RPC version used by LSP.
const JSONRPCVersion = "2.0"

// =============================================================================
// JSON-RPC MESSAGE TYPES
// =============================================================================

// Request is a JSON-RPC request.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Notification is a JSON-RPC message that expects no response.
type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Response is a JSON-RPC response. Exactly one of Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// ResponseError is the error member of a Response.
type ResponseError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// =============================================================================
// PROTOCOL HANDLER
// =============================================================================

// Protocol frames JSON-RPC messages with Content-Length headers.
//
// Description:
//
//	Writes requests and notifications to w and, when ReadLoop runs,
//	matches responses read from r to their pending requests. Messages
//	the server sends on its own (log messages, diagnostics) are dropped.
//
// Thread Safety:
//
//	Safe for concurrent use. ReadLoop must run in a single goroutine.
type Protocol struct {
	reader  *bufio.Reader
	writer  io.Writer
	writeMu sync.Mutex

	nextID    atomic.Int64
	pending   map[int64]chan Response
	pendingMu sync.Mutex
	closed    atomic.Bool
}

// NewProtocol creates a protocol over r (server stdout) and w (server
// stdin). r may be nil for a write-only connection.
func NewProtocol(r io.Reader, w io.Writer) *Protocol {
	p := &Protocol{
		writer:  w,
		pending: make(map[int64]chan Response),
	}
	if r != nil {
		p.reader = bufio.NewReader(r)
	}
	return p
}

// SendRequest sends a request and blocks until its response arrives or
// ctx is done. A response carrying an error is returned as *LSPError.
func (p *Protocol) SendRequest(ctx context.Context, method string, params interface{}) (*Response, error) {
	if p.closed.Load() {
		return nil, ErrServerNotRunning
	}

	id := p.nextID.Add(1)
	respCh := make(chan Response, 1)

	p.pendingMu.Lock()
	p.pending[id] = respCh
	p.pendingMu.Unlock()
	defer func() {
		p.pendingMu.Lock()
		delete(p.pending, id)
		p.pendingMu.Unlock()
	}()

	req := Request{JSONRPC: JSONRPCVersion, ID: id, Method: method, Params: params}
	if err := p.writeMessage(req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrRequestTimeout, ctx.Err())
	case resp, ok := <-respCh:
		if !ok {
			return nil, ErrServerNotRunning
		}
		if resp.Error != nil {
			return nil, &LSPError{Code: resp.Error.Code, Message: resp.Error.Message, Data: resp.Error.Data}
		}
		return &resp, nil
	}
}

// Notify sends a notification.
func (p *Protocol) Notify(method string, params interface{}) error {
	if p.closed.Load() {
		return ErrServerNotRunning
	}
	return p.writeMessage(Notification{JSONRPC: JSONRPCVersion, Method: method, Params: params})
}

func (p *Protocol) writeMessage(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if _, err := fmt.Fprintf(p.writer, "Content-Length: %d\r\n\r\n", len(data)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := p.writer.Write(data); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

// ReadLoop reads server messages until ctx is done or the stream ends.
// It returns ErrServerCrashed on EOF, and nil if Close was called.
func (p *Protocol) ReadLoop(ctx context.Context) error {
	if p.reader == nil {
		return errors.New("no reader configured")
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := p.readMessage()
		if err != nil {
			if p.closed.Load() {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return ErrServerCrashed
			}
			return fmt.Errorf("read: %w", err)
		}
		p.dispatch(msg)
	}
}

// readMessage reads one Content-Length framed body.
func (p *Protocol) readMessage() ([]byte, error) {
	length := -1
	for {
		line, err := p.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid Content-Length %q", value)
		}
		length = n
	}
	if length <= 0 {
		return nil, errors.New("missing or zero Content-Length header")
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(p.reader, body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

func (p *Protocol) dispatch(msg []byte) {
	var resp Response
	if err := json.Unmarshal(msg, &resp); err != nil || resp.ID == 0 {
		return
	}

	p.pendingMu.Lock()
	ch, ok := p.pending[resp.ID]
	p.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

// Close stops further sends and releases every pending request. The
// underlying streams are not closed.
func (p *Protocol) Close() {
	if p.closed.Swap(true) {
		return
	}

	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	for id, ch := range p.pending {
		close(ch)
		delete(p.pending, id)
	}
}
