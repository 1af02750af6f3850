// Copyright 2024 The exportd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package chromium

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// ProtocolError is a failure reported by the DevTools endpoint for a
// single method call.
type ProtocolError struct {
	Method  string
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("devtools: %s: %s (code %d)", e.Method, e.Message, e.Code)
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

// rpcMessage is the wire shape of both responses and events. Events
// carry Method/Params, responses carry ID and Result or Error.
type rpcMessage struct {
	ID        int64           `json:"id,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *rpcError       `json:"error,omitempty"`
}

type rpcRequest struct {
	ID        int64  `json:"id"`
	SessionID string `json:"sessionId,omitempty"`
	Method    string `json:"method"`
	Params    any    `json:"params,omitempty"`
}

// eventFunc receives every event of one session.
type eventFunc func(method string, params json.RawMessage)

// event is one queued session event awaiting dispatch.
type event struct {
	sessionID string
	method    string
	params    json.RawMessage
}

// conn multiplexes calls and events of all sessions over the single
// browser websocket.
type conn struct {
	logger log.Logger
	ws     *websocket.Conn
	slowMo time.Duration

	nextID   atomic.Int64
	writeMtx sync.Mutex

	mtx      sync.Mutex
	pending  map[int64]chan rpcMessage
	handlers map[string]eventFunc
	err      error
	done     chan struct{}

	// Events are queued here and delivered by dispatchLoop so a handler
	// may issue calls on this connection while the read loop keeps
	// consuming responses.
	evMtx  sync.Mutex
	evCond *sync.Cond
	events []event
	evDone bool
}

func dialConn(ctx context.Context, logger log.Logger, url string, slowMo time.Duration) (*conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial devtools endpoint %q", url)
	}
	c := &conn{
		logger:   logger,
		ws:       ws,
		slowMo:   slowMo,
		pending:  map[int64]chan rpcMessage{},
		handlers: map[string]eventFunc{},
		done:     make(chan struct{}),
	}
	c.evCond = sync.NewCond(&c.evMtx)
	go c.readLoop()
	go c.dispatchLoop()
	return c, nil
}

func (c *conn) readLoop() {
	for {
		var msg rpcMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			c.fail(errors.Wrap(err, "devtools connection lost"))
			return
		}
		if msg.ID != 0 {
			c.mtx.Lock()
			ch, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mtx.Unlock()
			if ok {
				ch <- msg
			}
			continue
		}
		c.evMtx.Lock()
		c.events = append(c.events, event{sessionID: msg.SessionID, method: msg.Method, params: msg.Params})
		c.evMtx.Unlock()
		c.evCond.Signal()
	}
}

// dispatchLoop delivers queued events in arrival order, off the read
// loop. Handlers may call back into the connection.
func (c *conn) dispatchLoop() {
	for {
		c.evMtx.Lock()
		for len(c.events) == 0 && !c.evDone {
			c.evCond.Wait()
		}
		if len(c.events) == 0 {
			c.evMtx.Unlock()
			return
		}
		ev := c.events[0]
		c.events = c.events[1:]
		c.evMtx.Unlock()

		c.mtx.Lock()
		h, ok := c.handlers[ev.sessionID]
		c.mtx.Unlock()
		if ok {
			h(ev.method, ev.params)
		}
	}
}

// fail terminates the connection, unblocks all in-flight calls and
// stops the event dispatcher once its queue drains.
func (c *conn) fail(err error) {
	c.mtx.Lock()
	if c.err != nil {
		c.mtx.Unlock()
		return
	}
	c.err = err
	close(c.done)
	c.mtx.Unlock()
	_ = c.ws.Close()

	c.evMtx.Lock()
	c.evDone = true
	c.evMtx.Unlock()
	c.evCond.Broadcast()
}

func (c *conn) close() {
	c.fail(errors.New("devtools connection closed"))
}

// call invokes method in the given session ("" targets the browser) and
// decodes the result into out when non-nil.
func (c *conn) call(ctx context.Context, sessionID, method string, params, out any) error {
	if c.slowMo > 0 {
		select {
		case <-time.After(c.slowMo):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	id := c.nextID.Add(1)
	ch := make(chan rpcMessage, 1)

	c.mtx.Lock()
	if c.err != nil {
		err := c.err
		c.mtx.Unlock()
		return err
	}
	c.pending[id] = ch
	c.mtx.Unlock()

	req := rpcRequest{ID: id, SessionID: sessionID, Method: method, Params: params}
	c.writeMtx.Lock()
	err := c.ws.WriteJSON(req)
	c.writeMtx.Unlock()
	if err != nil {
		c.mtx.Lock()
		delete(c.pending, id)
		c.mtx.Unlock()
		return errors.Wrapf(err, "send %s", method)
	}

	select {
	case msg := <-ch:
		if msg.Error != nil {
			return &ProtocolError{Method: method, Code: msg.Error.Code, Message: msg.Error.Message}
		}
		if out != nil && len(msg.Result) > 0 {
			if err := json.Unmarshal(msg.Result, out); err != nil {
				return errors.Wrapf(err, "decode %s result", method)
			}
		}
		return nil
	case <-c.done:
		return c.err
	case <-ctx.Done():
		c.mtx.Lock()
		delete(c.pending, id)
		c.mtx.Unlock()
		return ctx.Err()
	}
}

func (c *conn) subscribe(sessionID string, fn eventFunc) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.handlers[sessionID] = fn
}

func (c *conn) unsubscribe(sessionID string) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	delete(c.handlers, sessionID)
}

// logEvent is used by sessions that want raw event visibility at debug
// level without installing a handler of their own.
func (c *conn) logEvent(method string) {
	_ = level.Debug(c.logger).Log("msg", "devtools event", "method", method)
}
