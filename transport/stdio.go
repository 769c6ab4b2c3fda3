package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dopemux/metamcp-broker/core"
	"github.com/dopemux/metamcp-broker/policy"
)

// stdioConn talks JSON-RPC over the standard input/output of a spawned
// child process. Writes are serialized by callMu since interleaved frames
// on the same pipe would corrupt the stream; reads are correlated to the
// matching request id against pending response channels.
type stdioConn struct {
	name   string
	def    *policy.ServerDef
	logger core.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader

	callMu  sync.Mutex
	nextID  int64
	pending sync.Map // id -> chan rpcResponse

	mu      sync.Mutex
	started bool
}

type rpcResponse struct {
	Result map[string]interface{}
	Err    *rpcError
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func newStdioConn(name string, def *policy.ServerDef, logger core.Logger) *stdioConn {
	return &stdioConn{name: name, def: def, logger: logger}
}

func (c *stdioConn) Start(ctx context.Context) error {
	if c.def.Command == "" {
		return core.NewError("transport.stdio.Start", "config", core.ErrInvalidConfiguration).WithID(c.name)
	}

	cmd := exec.CommandContext(context.Background(), c.def.Command, c.def.Args...)
	if c.def.WorkDir != "" {
		cmd.Dir = c.def.WorkDir
	}
	env := os.Environ()
	for k, v := range c.def.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return core.NewError("transport.stdio.Start", "transport", core.ErrTransport).WithID(err.Error())
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return core.NewError("transport.stdio.Start", "transport", core.ErrTransport).WithID(err.Error())
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return core.NewError("transport.stdio.Start", "transport", core.ErrTransport).WithID(err.Error())
	}

	if err := cmd.Start(); err != nil {
		return core.NewError("transport.stdio.Start", "transport", core.ErrServerUnavailable).WithID(err.Error())
	}

	c.cmd = cmd
	c.stdin = stdin
	c.stdout = bufio.NewReader(stdout)

	go c.drainStderr(stderr)
	go c.readLoop()

	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	return nil
}

func (c *stdioConn) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		c.logger.Warn("stdio server stderr", map[string]interface{}{
			"server": c.name,
			"line":   scanner.Text(),
		})
	}
}

// readLoop demultiplexes response frames onto their pending request's
// channel. One loop per connection; it exits when stdout closes.
func (c *stdioConn) readLoop() {
	for {
		line, err := c.stdout.ReadString('\n')
		if len(line) > 0 {
			c.dispatchFrame(line)
		}
		if err != nil {
			return
		}
	}
}

func (c *stdioConn) dispatchFrame(line string) {
	var frame struct {
		ID     int64                  `json:"id"`
		Result map[string]interface{} `json:"result"`
		Error  *rpcError              `json:"error"`
	}
	if err := json.Unmarshal([]byte(line), &frame); err != nil {
		return
	}
	if ch, ok := c.pending.LoadAndDelete(frame.ID); ok {
		ch.(chan rpcResponse) <- rpcResponse{Result: frame.Result, Err: frame.Error}
	}
}

func (c *stdioConn) Call(ctx context.Context, method string, args map[string]interface{}, timeout time.Duration) (map[string]interface{}, error) {
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
		return nil, core.NewError("transport.stdio.Call", "transport", core.ErrTransport).WithID(err.Error())
	}
	frame = append(frame, '\n')

	c.callMu.Lock()
	_, werr := c.stdin.Write(frame)
	c.callMu.Unlock()
	if werr != nil {
		return nil, core.NewError("transport.stdio.Call", "transport", core.ErrTransport).WithID(werr.Error())
	}

	select {
	case resp := <-ch:
		if resp.Err != nil {
			return nil, core.NewError("transport.stdio.Call", "tool", core.ErrTool).WithID(resp.Err.Error())
		}
		return resp.Result, nil
	case <-time.After(timeout):
		return nil, core.NewError("transport.stdio.Call", "transport", core.ErrTimeout).WithID(method)
	case <-ctx.Done():
		return nil, core.NewError("transport.stdio.Call", "transport", core.ErrTimeout).WithID(ctx.Err().Error())
	}
}

func (c *stdioConn) HealthCheck(ctx context.Context) error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started || c.cmd == nil || c.cmd.Process == nil {
		return core.NewError("transport.stdio.HealthCheck", "transport", core.ErrServerUnavailable).WithID(c.name)
	}
	if c.cmd.ProcessState != nil && c.cmd.ProcessState.Exited() {
		return core.NewError("transport.stdio.HealthCheck", "transport", core.ErrServerUnavailable).WithID(c.name)
	}
	return nil
}

func (c *stdioConn) Stop(ctx context.Context) error {
	if c.cmd == nil || c.cmd.Process == nil {
		return nil
	}
	_ = c.cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- c.cmd.Wait() }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = c.cmd.Process.Kill()
		<-done
	}
	return nil
}
