package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/flowmesh/agentbus/agentbuserr"
)

// StdioOptions configures a subprocess-backed channel, adapted from the
// teacher's features/mcp/runtime/stdiocaller.go StdioOptions.
type StdioOptions struct {
	Command         string
	Args            []string
	Env             []string
	Dir             string
	ProtocolVersion string
	ClientName      string
	ClientVersion   string
	InitTimeout     time.Duration
	// KillGrace bounds how long Close waits for the subprocess to exit on
	// its own after stdin is closed before it kills the process. Defaults
	// to 2 seconds.
	KillGrace time.Duration
}

// StdioChannel spawns a subprocess per the package descriptor and speaks
// Content-Length-framed JSON-RPC over its stdin/stdout, per spec §4.8.
type StdioChannel struct {
	opts StdioOptions

	cmd   *exec.Cmd
	stdin io.WriteCloser

	pendingMu sync.Mutex
	pending   map[uint64]chan rpcResponse
	nextID    uint64

	notifyMu sync.Mutex
	notify   chan Notification

	writeMu sync.Mutex

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
	closeMu   sync.Mutex
}

// NewStdioChannel constructs a StdioChannel. Call Connect before use.
func NewStdioChannel(opts StdioOptions) *StdioChannel {
	return &StdioChannel{
		opts:    opts,
		pending: make(map[uint64]chan rpcResponse),
		closed:  make(chan struct{}),
	}
}

// Connect spawns the subprocess and sends the initialize handshake.
func (c *StdioChannel) Connect(ctx context.Context) error {
	if c.opts.Command == "" {
		return &agentbuserr.ChannelConnectionError{Server: "stdio", Cause: errors.New("command is required")}
	}
	cmd := exec.Command(c.opts.Command, c.opts.Args...)
	if c.opts.Dir != "" {
		cmd.Dir = c.opts.Dir
	}
	if len(c.opts.Env) > 0 {
		cmd.Env = append(os.Environ(), c.opts.Env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &agentbuserr.ChannelConnectionError{Server: c.opts.Command, Cause: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &agentbuserr.ChannelConnectionError{Server: c.opts.Command, Cause: err}
	}
	stderr, _ := cmd.StderrPipe()
	if err := cmd.Start(); err != nil {
		return &agentbuserr.ChannelConnectionError{Server: c.opts.Command, Cause: err}
	}
	c.cmd = cmd
	c.stdin = stdin
	go c.readLoop(stdout)
	if stderr != nil {
		go func() { _, _ = io.Copy(io.Discard, stderr) }()
	}

	initCtx := ctx
	if c.opts.InitTimeout > 0 {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, c.opts.InitTimeout)
		defer cancel()
	}
	params := handshakeParams(c.opts.ProtocolVersion, c.opts.ClientName, c.opts.ClientVersion)
	if err := c.Call(initCtx, "initialize", params, nil); err != nil {
		_ = c.Close()
		return &agentbuserr.ChannelConnectionError{Server: c.opts.Command, Cause: err}
	}
	return nil
}

// Call implements Channel.
func (c *StdioChannel) Call(ctx context.Context, method string, params any, out any) error {
	id := c.next()
	ch := make(chan rpcResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", Method: method, ID: id, Params: params}
	if err := c.writeMessage(req); err != nil {
		c.removePending(id)
		return err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return c.getCloseErr()
		}
		if resp.Error != nil {
			return &agentbuserr.ProtocolError{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		if out != nil && resp.Result != nil {
			return json.Unmarshal(resp.Result, out)
		}
		return nil
	case <-ctx.Done():
		c.removePending(id)
		return ctx.Err()
	case <-c.closed:
		return c.getCloseErr()
	}
}

// Listen returns a channel of server-initiated notifications observed on
// stdout, distinct from tools/call responses.
func (c *StdioChannel) Listen(ctx context.Context) (<-chan Notification, error) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	if c.notify == nil {
		c.notify = make(chan Notification, 32)
	}
	return c.notify, nil
}

// Close terminates the subprocess, killing it after a short grace period.
func (c *StdioChannel) Close() error {
	c.closeOnce.Do(func() {
		if c.stdin != nil {
			_ = c.stdin.Close()
		}
		if c.cmd != nil && c.cmd.Process != nil {
			grace := c.opts.KillGrace
			if grace <= 0 {
				grace = 2 * time.Second
			}
			done := make(chan error, 1)
			go func() { done <- c.cmd.Wait() }()
			select {
			case <-done:
			case <-time.After(grace):
				_ = c.cmd.Process.Kill()
				<-done
			}
		}
		close(c.closed)
		c.notifyMu.Lock()
		if c.notify != nil {
			close(c.notify)
		}
		c.notifyMu.Unlock()
	})
	return nil
}

func (c *StdioChannel) writeMessage(req rpcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(data))
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := io.WriteString(c.stdin, header); err != nil {
		return err
	}
	_, err = c.stdin.Write(data)
	return err
}

func (c *StdioChannel) readLoop(stdout io.Reader) {
	reader := bufio.NewReader(stdout)
	for {
		frame, err := readContentLengthFrame(reader)
		if err != nil {
			c.failPending(err)
			return
		}
		var probe struct {
			ID     *uint64 `json:"id"`
			Method string  `json:"method"`
		}
		if err := json.Unmarshal(frame, &probe); err != nil {
			continue
		}
		if probe.ID == nil && probe.Method != "" {
			var note rpcNotification
			if err := json.Unmarshal(frame, &note); err == nil {
				c.deliverNotification(note)
			}
			continue
		}
		if probe.ID == nil {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal(frame, &resp); err != nil {
			continue
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- resp
			close(ch)
		}
	}
}

func (c *StdioChannel) deliverNotification(note rpcNotification) {
	c.notifyMu.Lock()
	ch := c.notify
	c.notifyMu.Unlock()
	if ch == nil {
		return
	}
	params, _ := note.Params.(map[string]any)
	if params == nil {
		if b, err := json.Marshal(note.Params); err == nil {
			_ = json.Unmarshal(b, &params)
		}
	}
	select {
	case ch <- Notification{Method: note.Method, Params: params}:
	default:
	}
}

func (c *StdioChannel) failPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]chan rpcResponse)
	c.pendingMu.Unlock()
	for id, ch := range pending {
		_ = id
		close(ch)
	}
	c.closeMu.Lock()
	if c.closeErr == nil {
		c.closeErr = err
	}
	c.closeMu.Unlock()
	_ = c.Close()
}

func (c *StdioChannel) removePending(id uint64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *StdioChannel) next() uint64 {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.nextID++
	return c.nextID
}

func (c *StdioChannel) getCloseErr() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closeErr == nil {
		return errors.New("stdio channel closed")
	}
	return c.closeErr
}

func readContentLengthFrame(reader *bufio.Reader) ([]byte, error) {
	length := -1
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if length < 0 {
				continue
			}
			break
		}
		if after, ok := strings.CutPrefix(strings.ToLower(line), "content-length:"); ok {
			n, err := strconv.Atoi(strings.TrimSpace(after))
			if err != nil {
				return nil, err
			}
			length = n
		}
	}
	if length < 0 {
		return nil, errors.New("content-length header missing")
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
