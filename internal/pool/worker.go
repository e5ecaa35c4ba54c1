// internal/pool/worker.go
package pool

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"toolgate/pkg/credentials"
)

// ErrStartup means the worker process failed to start or did not complete its
// readiness handshake in time. The pool registers nothing on this path, so
// the next acquire retries from scratch.
var ErrStartup = errors.New("worker startup failed")

// ToolDescriptor describes one callable tool a worker exposes. The list is
// read once from the ready handshake and cached for the worker's lifetime.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Worker is one live per-tenant subprocess connection. The pool owns it
// exclusively; nothing else closes it.
type Worker interface {
	Tools() []ToolDescriptor
	Call(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error)
	Close() error
}

// Launcher starts a worker for a tenant using its credential as process
// configuration.
type Launcher interface {
	Start(ctx context.Context, cred credentials.Credential) (Worker, error)
}

// ExecLauncher spawns workers as subprocesses speaking newline-delimited JSON
// over stdin/stdout.
type ExecLauncher struct {
	Command      string // argv, space separated
	APIBaseURL   string
	StartTimeout time.Duration
	Log          *zap.SugaredLogger
}

type wireMsg struct {
	Op     string           `json:"op"`
	ID     int64            `json:"id,omitempty"`
	Tool   string           `json:"tool,omitempty"`
	Args   json.RawMessage  `json:"args,omitempty"`
	Tools  []ToolDescriptor `json:"tools,omitempty"`
	Result json.RawMessage  `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
}

func (l *ExecLauncher) Start(ctx context.Context, cred credentials.Credential) (Worker, error) {
	argv := strings.Fields(l.Command)
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: no worker command configured", ErrStartup)
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(),
		"GATE_TENANT_ID="+cred.TenantID,
		"GATE_ACCESS_TOKEN="+cred.AccessToken,
		"GATE_LOCATION_REF="+cred.LocationRef,
		"GATE_API_BASE_URL="+l.APIBaseURL,
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStartup, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStartup, err)
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStartup, err)
	}

	w := &procWorker{
		tenantID: cred.TenantID,
		cmd:      cmd,
		stdin:    stdin,
		scanner:  bufio.NewScanner(stdout),
		pending:  make(map[int64]chan wireMsg),
		done:     make(chan struct{}),
		log:      l.Log,
	}
	w.scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	if err := w.handshake(ctx, l.StartTimeout); err != nil {
		_ = w.Close()
		return nil, err
	}
	go w.readLoop()
	return w, nil
}

type procWorker struct {
	tenantID string
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	scanner  *bufio.Scanner
	tools    []ToolDescriptor

	mu      sync.Mutex // guards stdin writes, pending, nextID
	pending map[int64]chan wireMsg
	nextID  int64

	closeOnce sync.Once
	done      chan struct{}
	log       *zap.SugaredLogger
}

// handshake sends hello and waits for the ready line carrying the tool list,
// bounded by the start timeout.
func (w *procWorker) handshake(ctx context.Context, timeout time.Duration) error {
	if err := w.writeMsg(wireMsg{Op: "hello"}); err != nil {
		return fmt.Errorf("%w: %v", ErrStartup, err)
	}
	type readyResult struct {
		msg wireMsg
		err error
	}
	ch := make(chan readyResult, 1)
	go func() {
		if !w.scanner.Scan() {
			ch <- readyResult{err: fmt.Errorf("worker exited before ready: %v", w.scanner.Err())}
			return
		}
		var msg wireMsg
		if err := json.Unmarshal(w.scanner.Bytes(), &msg); err != nil {
			ch <- readyResult{err: err}
			return
		}
		ch <- readyResult{msg: msg}
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		if r.err != nil {
			return fmt.Errorf("%w: %v", ErrStartup, r.err)
		}
		if r.msg.Op != "ready" {
			return fmt.Errorf("%w: unexpected handshake op %q", ErrStartup, r.msg.Op)
		}
		w.tools = r.msg.Tools
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: handshake timed out after %s", ErrStartup, timeout)
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrStartup, ctx.Err())
	}
}

// readLoop routes response lines to their waiting callers until the process
// closes its stdout.
func (w *procWorker) readLoop() {
	for w.scanner.Scan() {
		var msg wireMsg
		if err := json.Unmarshal(w.scanner.Bytes(), &msg); err != nil {
			w.log.Warnw("worker sent unparseable line", "tenant", w.tenantID, "err", err)
			continue
		}
		w.mu.Lock()
		ch, ok := w.pending[msg.ID]
		if ok {
			delete(w.pending, msg.ID)
		}
		w.mu.Unlock()
		if ok {
			ch <- msg
		}
	}
	// Connection gone; unblock everyone still waiting.
	w.mu.Lock()
	for id, ch := range w.pending {
		delete(w.pending, id)
		close(ch)
	}
	w.mu.Unlock()
}

func (w *procWorker) writeMsg(msg wireMsg) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = w.stdin.Write(append(raw, '\n'))
	return err
}

func (w *procWorker) Tools() []ToolDescriptor { return w.tools }

func (w *procWorker) Call(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error) {
	ch := make(chan wireMsg, 1)
	w.mu.Lock()
	w.nextID++
	id := w.nextID
	w.pending[id] = ch
	err := w.writeMsg(wireMsg{Op: "call", ID: id, Tool: tool, Args: args})
	w.mu.Unlock()
	if err != nil {
		w.mu.Lock()
		delete(w.pending, id)
		w.mu.Unlock()
		return nil, fmt.Errorf("worker write: %w", err)
	}
	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, errors.New("worker connection closed")
		}
		if msg.Error != "" {
			return nil, errors.New(msg.Error)
		}
		return msg.Result, nil
	case <-ctx.Done():
		w.mu.Lock()
		delete(w.pending, id)
		w.mu.Unlock()
		return nil, ctx.Err()
	case <-w.done:
		return nil, errors.New("worker shut down")
	}
}

// Close shuts the subprocess down: stdin closed so the worker can exit on its
// own, then a bounded wait before killing.
func (w *procWorker) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		_ = w.stdin.Close()
		waited := make(chan error, 1)
		go func() { waited <- w.cmd.Wait() }()
		select {
		case err = <-waited:
		case <-time.After(5 * time.Second):
			_ = w.cmd.Process.Kill()
			err = <-waited
		}
	})
	return err
}
