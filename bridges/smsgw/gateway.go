package smsgw

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/tohenk/node-appserver-sub000/pkg/logx"
	"github.com/tohenk/node-appserver-sub000/pkg/ntcodec"
)

// Line protocol commands. One command per line, CRLF-terminated, parameters
// quoted with the codec.
const (
	cmdMessage   = "MESG"
	cmdDelivered = "DELV"
)

// gateway is one TCP connection to an SMS gateway. Its lifetime is managed
// by the supervisor's restart loop; connected state feeds queue readiness.
type gateway struct {
	name string
	addr string

	limiter *rate.Limiter
	log     logx.Logger

	mu        sync.Mutex
	conn      net.Conn
	connected atomic.Bool

	// onLine receives every inbound protocol line; onConnect kicks the
	// dispatch queue when the link comes up.
	onLine    func(cmd string, params []string)
	onConnect func()
}

func newGateway(cfg GatewayConfig, perMinute int, log logx.Logger) *gateway {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &gateway{
		name:    cfg.Name,
		addr:    cfg.Addr,
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), 1),
		log:     log.With(logx.String("gateway", cfg.Name)),
	}
}

// run owns one connection lifetime: dial, read lines until the link drops,
// return the reason. The supervisor restarts it with backoff.
func (g *gateway) run(ctx context.Context) error {
	d := net.Dialer{Timeout: 10 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", g.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", g.addr, err)
	}

	g.mu.Lock()
	g.conn = conn
	g.mu.Unlock()
	g.connected.Store(true)
	g.log.Info("gateway connected", logx.String("addr", g.addr))
	if g.onConnect != nil {
		g.onConnect()
	}

	defer func() {
		g.connected.Store(false)
		g.mu.Lock()
		g.conn = nil
		g.mu.Unlock()
		_ = conn.Close()
		g.log.Info("gateway disconnected", logx.String("addr", g.addr))
	}()

	// Unblock the reader when the supervisor stops us.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), 64<<10)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		tokens := ntcodec.Split(line)
		if len(tokens) == 0 || tokens[0] == "" {
			g.log.Debug("unparseable line", logx.String("line", line))
			continue
		}
		if g.onLine != nil {
			g.onLine(tokens[0], tokens[1:])
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read %s: %w", g.addr, err)
	}
	return fmt.Errorf("gateway %s closed the connection", g.name)
}

// send writes one protocol line, honoring the rate limit.
func (g *gateway) send(ctx context.Context, command string, params ...string) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("gateway %s not connected", g.name)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_, err := conn.Write([]byte(ntcodec.Line(command, params...) + "\r\n"))
	if err != nil {
		return fmt.Errorf("write %s: %w", g.name, err)
	}
	return nil
}
