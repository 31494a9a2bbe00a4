package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
)

// CallError is a server-reported failure, carrying the code, message,
// and structured data of the response's error member.
type CallError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *CallError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ReasonCode extracts the stable machine-readable category from the
// error data, or "" when the server attached none.
func (e *CallError) ReasonCode() string {
	var d struct {
		ReasonCode string `json:"reason_code"`
	}
	if len(e.Data) == 0 || json.Unmarshal(e.Data, &d) != nil {
		return ""
	}
	return d.ReasonCode
}

// Notification is one server-initiated line, as emitted by the
// subscription methods and the heartbeat scheduler.
type Notification struct {
	Method string
	Params json.RawMessage
}

// clientLine is any input line seen by the client: a response when ID
// is set, a notification when Method is.
type clientLine struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *CallError      `json:"error,omitempty"`
}

// Client drives one server connection. Calls may be issued from any
// goroutine and run concurrently over the same stream; a single read
// loop matches responses to calls by id and routes notification lines
// to the Notifications channel.
type Client struct {
	conn net.Conn
	wmu  sync.Mutex

	mu      sync.Mutex
	seq     uint64
	pending map[uint64]chan *clientLine
	readErr error

	notes chan Notification
	done  chan struct{}
}

// Dial connects to a server on a TCP address ("tcp",
// "127.0.0.1:7600") or a unix socket ("unix", "/path/bureau.sock")
// and returns a ready client.
func Dial(network, addr string) (*Client, error) {
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s %s: %w", network, addr, err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an established connection. The client owns the
// connection and closes it on Close.
func NewClient(conn net.Conn) *Client {
	c := &Client{
		conn:    conn,
		pending: make(map[uint64]chan *clientLine),
		notes:   make(chan Notification, outBufferLines),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Call issues one request and decodes the result into result when it
// is non-nil. Server-side failures come back as *CallError, transport
// failures as plain errors. A done ctx abandons the wait without
// disturbing other in-flight calls.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	req := request{JSONRPC: protocolVersion, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to encode %s params: %w", method, err)
		}
		req.Params = raw
	}

	c.mu.Lock()
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return fmt.Errorf("connection is down: %w", err)
	}
	c.seq++
	id := c.seq
	ch := make(chan *clientLine, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req.ID, _ = json.Marshal(id)
	if err := c.writeLine(req); err != nil {
		c.drop(id)
		return fmt.Errorf("failed to send %s: %w", method, err)
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			c.mu.Lock()
			err := c.readErr
			c.mu.Unlock()
			return fmt.Errorf("connection closed awaiting %s: %w", method, err)
		}
		if msg.Error != nil {
			return msg.Error
		}
		if result != nil && len(msg.Result) > 0 {
			if err := json.Unmarshal(msg.Result, result); err != nil {
				return fmt.Errorf("failed to decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.drop(id)
		return ctx.Err()
	}
}

// Notify sends a fire-and-forget line. The server dispatches it but
// never answers, per the notification rules of the protocol.
func (c *Client) Notify(method string, params any) error {
	req := request{JSONRPC: protocolVersion, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to encode %s params: %w", method, err)
		}
		req.Params = raw
	}
	if err := c.writeLine(req); err != nil {
		return fmt.Errorf("failed to send %s: %w", method, err)
	}
	return nil
}

// Notifications returns the stream of server-initiated lines. The
// channel closes when the connection ends. Slow consumers lose lines
// rather than stalling response delivery.
func (c *Client) Notifications() <-chan Notification {
	return c.notes
}

// Close tears down the connection and fails every in-flight call.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) writeLine(req request) error {
	buf, err := json.Marshal(req)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.conn.Write(append(buf, '\n'))
	return err
}

func (c *Client) drop(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) readLoop() {
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg clientLine
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.Method != "" {
			select {
			case c.notes <- Notification{Method: msg.Method, Params: msg.Params}:
			default:
			}
			continue
		}
		var id uint64
		if err := json.Unmarshal(msg.ID, &id); err != nil {
			continue
		}
		c.mu.Lock()
		ch := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if ch != nil {
			ch <- &msg
		}
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.mu.Lock()
	c.readErr = err
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.mu.Unlock()
	close(c.notes)
	close(c.done)
}
