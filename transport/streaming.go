package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dopemux/metamcp-broker/core"
	"github.com/dopemux/metamcp-broker/policy"
)

// streamConn is a long-lived bidirectional frame-oriented connection.
// Frames are newline-delimited JSON-RPC envelopes with monotonically
// increasing numeric ids; calls are concurrent and correlated by id, and
// writes of whole frames are serialized by writeMu.
type streamConn struct {
	name   string
	def    *policy.ServerDef
	logger core.Logger

	conn   net.Conn
	writeMu sync.Mutex

	nextID  int64
	pending sync.Map // id -> chan rpcResponse

	lastPing   atomic.Value // time.Time
	pingPeriod time.Duration
}

func newStreamConn(name string, def *policy.ServerDef, logger core.Logger) *streamConn {
	return &streamConn{name: name, def: def, logger: logger, pingPeriod: 15 * time.Second}
}

func (c *streamConn) Start(ctx context.Context) error {
	if c.def.BaseURL == "" {
		return core.NewError("transport.streaming.Start", "config", core.ErrInvalidConfiguration).WithID(c.name)
	}
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", c.def.BaseURL)
	if err != nil {
		return core.NewError("transport.streaming.Start", "transport", core.ErrServerUnavailable).WithID(err.Error())
	}
	c.conn = conn
	c.lastPing.Store(time.Now())

	go c.readLoop()
	go c.pingLoop()

	return nil
}

func (c *streamConn) readLoop() {
	reader := bufio.NewReader(c.conn)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			c.dispatchFrame(line)
		}
		if err != nil {
			return
		}
	}
}

func (c *streamConn) dispatchFrame(line []byte) {
	var frame struct {
		ID     int64                  `json:"id"`
		Result map[string]interface{} `json:"result"`
		Error  *rpcError              `json:"error"`
		Method string                 `json:"method"`
	}
	if err := json.Unmarshal(line, &frame); err != nil {
		return
	}
	if frame.Method == "pong" {
		c.lastPing.Store(time.Now())
		return
	}
	if ch, ok := c.pending.LoadAndDelete(frame.ID); ok {
		ch.(chan rpcResponse) <- rpcResponse{Result: frame.Result, Err: frame.Error}
	}
}

// pingLoop sends an application-level ping to keep the channel alive and
// to detect silent peer death between real calls.
func (c *streamConn) pingLoop() {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		id := atomic.AddInt64(&c.nextID, 1)
		frame, _ := json.Marshal(map[string]interface{}{"jsonrpc": "2.0", "id": id, "method": "ping"})
		frame = append(frame, '\n')
		c.writeMu.Lock()
		_, err := c.conn.Write(frame)
		c.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

func (c *streamConn) Call(ctx context.Context, method string, args map[string]interface{}, timeout time.Duration) (map[string]interface{}, error) {
	id := atomic.AddInt64(&c.nextID, 1)
	ch := make(chan rpcResponse, 1)
	c.pending.Store(id, ch)
	defer c.pending.Delete(id)

	req := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  args,
	}
	frame, err := json.Marshal(req)
	if err != nil {
		return nil, core.NewError("transport.streaming.Call", "transport", core.ErrTransport).WithID(err.Error())
	}
	frame = append(frame, '\n')

	c.writeMu.Lock()
	_, werr := c.conn.Write(frame)
	c.writeMu.Unlock()
	if werr != nil {
		return nil, core.NewError("transport.streaming.Call", "transport", core.ErrTransport).WithID(werr.Error())
	}

	select {
	case resp := <-ch:
		if resp.Err != nil {
			return nil, core.NewError("transport.streaming.Call", "tool", core.ErrTool).WithID(resp.Err.Error())
		}
		return resp.Result, nil
	case <-time.After(timeout):
		return nil, core.NewError("transport.streaming.Call", "transport", core.ErrTimeout).WithID(method)
	case <-ctx.Done():
		return nil, core.NewError("transport.streaming.Call", "transport", core.ErrTimeout).WithID(ctx.Err().Error())
	}
}

func (c *streamConn) HealthCheck(ctx context.Context) error {
	last, _ := c.lastPing.Load().(time.Time)
	if time.Since(last) > 2*c.pingPeriod {
		return core.NewError("transport.streaming.HealthCheck", "transport", core.ErrServerUnavailable).WithID(c.name)
	}
	return nil
}

func (c *streamConn) Stop(ctx context.Context) error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
