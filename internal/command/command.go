// Package command resolves named handlers from configuration and invokes
// them with an event payload, either as a local process or an HTTP call.
package command

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/tohenk/node-appserver-sub000/internal/config"
	"github.com/tohenk/node-appserver-sub000/pkg/logx"
)

// Placeholder tokens recognized in executable arguments and HTTP parameter
// values.
const (
	PlaceholderData = "%DATA%"
	PlaceholderCmd  = "%CMD%"
)

// Invocation is the queue entry for deferred command execution: the handler
// name and the JSON payload it receives.
type Invocation struct {
	Command string `json:"command"`
	Data    string `json:"data"`
}

// Command is a resolved handler. Exactly one of bin or endpoint is set.
type Command struct {
	name string

	bin  string
	args []string

	endpoint string
	method   string
	params   map[string]string
}

// IsExec reports whether the command runs a local process.
func (c *Command) IsExec() bool { return c.bin != "" }

// Runner resolves and caches commands by name.
type Runner struct {
	mu    sync.Mutex
	defs  map[string]config.CommandDef
	cache map[string]*Command

	log  logx.Logger
	http *http.Client
}

func NewRunner(defs map[string]config.CommandDef, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{
		defs:  defs,
		cache: make(map[string]*Command),
		log:   log.With(logx.String("component", "command")),
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Has reports whether a handler is configured under name.
func (r *Runner) Has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.defs[name]
	return ok
}

// Resolve returns the cached command for name, building it on first use.
func (r *Runner) Resolve(name string) (*Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.cache[name]; ok {
		return c, nil
	}
	def, ok := r.defs[name]
	if !ok {
		return nil, fmt.Errorf("command %q is not configured", name)
	}
	c, err := build(name, def)
	if err != nil {
		return nil, err
	}
	r.cache[name] = c
	return c, nil
}

func build(name string, def config.CommandDef) (*Command, error) {
	switch {
	case def.Bin != "" && def.URL != "":
		return nil, fmt.Errorf("command %q declares both bin and url", name)
	case def.Bin != "":
		return &Command{name: name, bin: def.Bin, args: def.Args}, nil
	case def.URL != "":
		method := strings.ToUpper(def.Method)
		if method == "" {
			method = http.MethodPost
		}
		if method != http.MethodGet && method != http.MethodPost {
			return nil, fmt.Errorf("command %q: unsupported method %q", name, def.Method)
		}
		if _, err := url.Parse(def.URL); err != nil {
			return nil, fmt.Errorf("command %q: %w", name, err)
		}
		return &Command{name: name, endpoint: def.URL, method: method, params: def.Params}, nil
	default:
		return nil, fmt.Errorf("command %q declares neither bin nor url", name)
	}
}

// Run invokes the named handler with data substituted for %DATA%. It returns
// when the handler completes; the dispatch layer advances its queue on
// return.
func (r *Runner) Run(ctx context.Context, name, data string) error {
	c, err := r.Resolve(name)
	if err != nil {
		return err
	}
	if c.IsExec() {
		return r.runExec(ctx, c, data)
	}
	return r.runHTTP(ctx, c, data)
}

func (r *Runner) runExec(ctx context.Context, c *Command, data string) error {
	args := make([]string, len(c.args))
	for i, a := range c.args {
		args[i] = substitute(a, c.name, data)
	}
	cmd := exec.CommandContext(ctx, c.bin, args...)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("command %s: %w", c.name, err)
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("command %s: %w", c.name, err)
	}
	sc := bufio.NewScanner(out)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		r.log.Debug("command output",
			logx.String("command", c.name),
			logx.String("line", sc.Text()))
	}
	if err := sc.Err(); err != nil {
		r.log.Warn("command output truncated",
			logx.String("command", c.name), logx.Err(err))
	}
	// The child blocks writing once the pipe fills, so whatever the scanner
	// left behind must be drained before Wait.
	_, _ = io.Copy(io.Discard, out)
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("command %s: %w", c.name, err)
	}
	return nil
}

func (r *Runner) runHTTP(ctx context.Context, c *Command, data string) error {
	values := url.Values{}
	for k, v := range c.params {
		values.Set(k, substitute(v, c.name, data))
	}
	if len(c.params) == 0 {
		values.Set("data", data)
	}

	var req *http.Request
	var err error
	if c.method == http.MethodGet {
		u := c.endpoint
		if q := values.Encode(); q != "" {
			if strings.Contains(u, "?") {
				u += "&" + q
			} else {
				u += "?" + q
			}
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint,
			strings.NewReader(values.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return fmt.Errorf("command %s: %w", c.name, err)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("command %s: %w", c.name, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("command %s: http %d: %s", c.name, resp.StatusCode,
			strings.TrimSpace(string(body)))
	}
	if len(body) > 0 {
		r.log.Debug("command response",
			logx.String("command", c.name),
			logx.String("body", strings.TrimSpace(string(body))))
	}
	return nil
}

func substitute(s, name, data string) string {
	s = strings.ReplaceAll(s, PlaceholderData, data)
	s = strings.ReplaceAll(s, PlaceholderCmd, name)
	return s
}
