// Package frontend ties the wire guard, pending-query table, trust-anchor
// store, blocklist, and the two IPC channels into the running daemon:
// the Go-native analogue of frontend.c's event loop (spec.md §4.10).
package frontend

import (
	"context"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/semihalev/zlog/v2"

	"github.com/semihalev/dnsfrontend/acl"
	"github.com/semihalev/dnsfrontend/blocklist"
	"github.com/semihalev/dnsfrontend/ipc"
	"github.com/semihalev/dnsfrontend/metrics"
	"github.com/semihalev/dnsfrontend/pending"
	"github.com/semihalev/dnsfrontend/ratelimit"
	"github.com/semihalev/dnsfrontend/routewatch"
	"github.com/semihalev/dnsfrontend/trustanchor"
)

// tcpAcceptReserve is the number of in-flight TCP fds the accept loop
// holds back, the Go analogue of accept_reserve's dtablesize margin
// (spec.md §4.4, §5): the semaphore's capacity is MaxInFlightFDs minus
// this reserve, not MaxInFlightFDs itself.
const tcpAcceptReserve = 5

// Config holds the front end's runtime tunables. Values arrive from the
// bootstrap TOML file (see package config) and are fixed for the life of
// the Engine; RECONF_* main-channel messages do not change them.
type Config struct {
	// TCPIdleTimeout bounds how long an accepted TCP connection may sit
	// without completing its request (spec.md §4.4: TCP_TIMEOUT, 15s in
	// the original).
	TCPIdleTimeout time.Duration
	// MaxInFlightFDs caps concurrently accepted TCP connections, the Go
	// analogue of accept_reserve's dtablesize-based backoff (spec.md
	// §4.4, §5).
	MaxInFlightFDs int64
	// BlocklistLog mirrors frontend_conf->blocklist_log: whether a
	// blocked query is logged at info level.
	BlocklistLog bool
	// AllowedCIDRs, when non-empty, restricts which source addresses may
	// be served (spec.md §4.11, ADDED).
	AllowedCIDRs []string
	// RateLimitPerMinute caps queries per source IP per minute; 0
	// disables the limiter (spec.md §4.12, ADDED).
	RateLimitPerMinute int
}

// Engine is the running front end: the set of live sessions, the
// correlation table, and the two IPC channels to the parent and the
// resolver.
type Engine struct {
	cfg Config

	pending      *pending.Table
	blocklist    *blocklist.List
	trustanchors *trustanchor.Store
	acl          *acl.List
	limiter      *ratelimit.Limiter
	metrics      *metrics.Metrics

	resolverCh *ipc.Channel
	mainCh     *ipc.Channel

	tcpSem *semaphore.Weighted

	mu           sync.Mutex
	udp4         *net.UDPConn
	udp6         *net.UDPConn
	tcp4         net.Listener
	tcp6         net.Listener
	routeWatcher *routewatch.Watcher
	routeArmed   bool
	taFile       *os.File
	controlLn    net.Listener
	controlConn  net.Conn

	seenMu     sync.Mutex
	seenSocket map[ipc.Type]bool

	ctx    context.Context
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds an Engine around already-established IPC channels. Socket
// fds, the trust-anchor fd, and the blocklist fd arrive later over
// mainCh, matching the original's staged startup (spec.md §4.10).
func New(cfg Config, resolverCh, mainCh *ipc.Channel, m *metrics.Metrics) (*Engine, error) {
	acls, err := acl.New(cfg.AllowedCIDRs)
	if err != nil {
		return nil, err
	}

	maxFDs := cfg.MaxInFlightFDs
	if maxFDs <= 0 {
		maxFDs = 256
	}
	semCap := maxFDs - tcpAcceptReserve
	if semCap < 1 {
		semCap = 1
	}

	return &Engine{
		cfg:          cfg,
		pending:      pending.NewTable(),
		blocklist:    blocklist.New(),
		trustanchors: trustanchor.New(),
		acl:          acls,
		limiter:      ratelimit.New(cfg.RateLimitPerMinute),
		metrics:      m,
		resolverCh:   resolverCh,
		mainCh:       mainCh,
		tcpSem:       semaphore.NewWeighted(semCap),
		seenSocket:   make(map[ipc.Type]bool),
	}, nil
}

// Run starts the resolver- and main-channel pumps (the UDP, TCP accept,
// control and route-watcher loops start as their fds arrive over the main
// channel) and, once ctx is canceled, blocks until every pump has returned;
// Shutdown closes the sockets and channels those pumps read from. It is the
// Go-native equivalent of the original's single event_dispatch() call
// (spec.md §4.10).
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.ctx = ctx
	e.cancel = cancel
	defer cancel()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pumpResolverChannel(ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pumpMainChannel(ctx)
	}()

	<-ctx.Done()
	e.wg.Wait()
	return nil
}

// ctxDone returns the channel serveTCP's accept backoff selects on to
// notice shutdown without importing context into listen.go's signature.
// Outside of Run (as in most tests, which drive handleQuery directly) ctx
// is nil and a nil channel blocks forever in a select, which is the
// correct "never cancel" behavior for that case.
func (e *Engine) ctxDone() <-chan struct{} {
	if e.ctx == nil {
		return nil
	}
	return e.ctx.Done()
}

// mustClaim reports whether t is being delivered for the first time. The
// one-shot main-channel deliveries (socket and fd handoffs) call this
// before acting on the message; a repeat delivery is a parent-process bug
// the front end cannot recover from (spec.md §4.6: "Each 'received
// unexpected' case is fatal").
func (e *Engine) mustClaim(t ipc.Type) bool {
	e.seenMu.Lock()
	defer e.seenMu.Unlock()
	if e.seenSocket[t] {
		return false
	}
	e.seenSocket[t] = true
	return true
}

// fatalExit is os.Exit, indirected so tests can verify a fatal() call
// without killing the test binary.
var fatalExit = os.Exit

// fatal logs msg at error severity and terminates the process, the
// Go-native equivalent of the original's fatal() wrapper around log_warn
// for the IMSG/CTL error-table entries marked "Fatal" (spec.md §4.6, §7),
// and of the teacher's log.Crit(...) calls in sdns.go/main.go.
func fatal(msg string, fields ...zlog.Field) {
	zlog.Default().Error(msg, fields...)
	fatalExit(1)
}

// Shutdown cancels every pump and closes the sockets handed to the
// Engine, mirroring the original's SIGTERM/SIGINT handler tearing down
// the event loop before exit (spec.md §4.10).
func (e *Engine) Shutdown() {
	if e.cancel != nil {
		e.cancel()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.udp4 != nil {
		_ = e.udp4.Close()
	}
	if e.udp6 != nil {
		_ = e.udp6.Close()
	}
	if e.tcp4 != nil {
		_ = e.tcp4.Close()
	}
	if e.tcp6 != nil {
		_ = e.tcp6.Close()
	}
	if e.routeWatcher != nil {
		_ = e.routeWatcher.Close()
	}
	if e.taFile != nil {
		_ = e.taFile.Close()
	}
	if e.controlConn != nil {
		_ = e.controlConn.Close()
	}
	if e.controlLn != nil {
		_ = e.controlLn.Close()
	}
	_ = e.resolverCh.Close()
	_ = e.mainCh.Close()
}

// Blocklist returns the engine's blocklist, for callers that load or
// watch it from a local file rather than a main-channel fd delivery.
func (e *Engine) Blocklist() *blocklist.List {
	return e.blocklist
}
