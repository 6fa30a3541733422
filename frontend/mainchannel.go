package frontend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"

	"github.com/semihalev/zlog/v2"

	"github.com/semihalev/dnsfrontend/ipc"
	"github.com/semihalev/dnsfrontend/routewatch"
	"github.com/semihalev/dnsfrontend/trustanchor"
)

// pumpMainChannel reads every message the parent process sends: socket
// and fd deliveries at startup, and RECONF_* deliveries on a later SIGHUP-
// triggered reconfiguration (spec.md §4.1, §4.10).
func (e *Engine) pumpMainChannel(ctx context.Context) {
	for {
		msg, err := e.mainCh.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return
			}
			zlog.Warn("frontend: main channel recv failed", zlog.String("error", err.Error()))
			return
		}

		if err := e.dispatchMain(ctx, msg); err != nil {
			zlog.Warn("frontend: main channel dispatch failed",
				zlog.String("type", msg.Type.String()),
				zlog.String("error", err.Error()))
		}
	}
}

// onceSockets is the set of main-channel types that may only ever be
// delivered once: a repeat means the parent process is confused about
// what it already handed the front end, which spec.md §4.6 treats as
// fatal rather than something to silently overwrite (e.g. a duplicate
// TypeUDP4Sock would otherwise clobber e.udp4 out from under the read
// loop already serving the first one).
var onceSockets = map[ipc.Type]bool{
	ipc.TypeUDP4Sock:  true,
	ipc.TypeUDP6Sock:  true,
	ipc.TypeTCP4Sock:  true,
	ipc.TypeTCP6Sock:  true,
	ipc.TypeRouteSock: true,
	ipc.TypeControlFD: true,
	ipc.TypeTAFD:      true,
	ipc.TypeBLFD:      true,
}

func (e *Engine) dispatchMain(ctx context.Context, msg ipc.Message) error {
	if onceSockets[msg.Type] && !e.mustClaim(msg.Type) {
		fatal("frontend: duplicate fd delivery on main channel",
			zlog.String("type", msg.Type.String()))
		return nil
	}

	switch msg.Type {
	case ipc.TypeUDP4Sock:
		return e.AttachUDP(msg.FD, false)
	case ipc.TypeUDP6Sock:
		return e.AttachUDP(msg.FD, true)
	case ipc.TypeTCP4Sock:
		return e.AttachTCP(msg.FD, false)
	case ipc.TypeTCP6Sock:
		return e.AttachTCP(msg.FD, true)
	case ipc.TypeRouteSock:
		return e.attachRouteWatcher(ctx, msg.FD)
	case ipc.TypeControlFD:
		return e.attachControl(msg.FD)
	case ipc.TypeTAFD:
		return e.loadTrustAnchorFile(msg.FD)
	case ipc.TypeBLFD:
		return e.loadBlocklistFile(msg.FD)
	case ipc.TypeStartup:
		e.armRouteWatcher()
		return e.mainCh.Send(ipc.TypeStartupDone, 0, nil, -1)
	case ipc.TypeReconfBlocklistFile:
		return e.loadBlocklistFile(msg.FD)
	case ipc.TypeReconfForce, ipc.TypeReconfEnd, ipc.TypeReconfConf,
		ipc.TypeReconfForwarder, ipc.TypeReconfDoTForwarder:
		// These carry resolver-side configuration the front end has
		// no state for; it only needs to keep reading past them.
		return nil
	default:
		fatal("frontend: received unexpected main-channel message",
			zlog.String("type", msg.Type.String()))
		return nil
	}
}

// attachRouteWatcher registers the routing socket fd ROUTESOCK hands
// down, the Go analogue of frontend_dispatch_main's IMSG_ROUTESOCK case:
// the original only calls event_set on ev_route there, it does not
// event_add it, so the event stays registered but dormant until STARTUP
// arms it (sbin/unwind/frontend.c:418-427, 602-611). Forwarding is gated
// on armRouteWatcher rather than delaying the goroutine itself, so the
// routing socket is still being read (and its kernel buffer drained)
// from the moment the fd is attached.
func (e *Engine) attachRouteWatcher(ctx context.Context, fd int) error {
	if fd < 0 {
		return errors.New("frontend: route socket message carried no fd")
	}
	w := routewatch.New(fd)

	e.mu.Lock()
	e.routeWatcher = w
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pumpRouteWatcher(ctx, w)
	}()
	return nil
}

// armRouteWatcher lets pumpRouteWatcher start forwarding events once
// STARTUP has been received, matching frontend_startup's event_add on
// ev_route (sbin/unwind/frontend.c:602-611). Safe to call before
// ROUTESOCK has arrived; pumpRouteWatcher checks the flag itself rather
// than this function reaching into a watcher that may not exist yet.
func (e *Engine) armRouteWatcher() {
	e.mu.Lock()
	e.routeArmed = true
	e.mu.Unlock()
}

func (e *Engine) pumpRouteWatcher(ctx context.Context, w *routewatch.Watcher) {
	for {
		ev, ok, err := w.Next()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			zlog.Warn("frontend: route watcher failed", zlog.String("error", err.Error()))
			return
		}
		if !ok {
			continue
		}

		e.mu.Lock()
		armed := e.routeArmed
		e.mu.Unlock()
		if !armed {
			continue
		}

		switch ev.Kind {
		case routewatch.EventNetworkChanged:
			_ = e.resolverCh.Send(ipc.TypeNetworkChanged, 0, nil, -1)
		case routewatch.EventDNSProposal:
			payload, err := json.Marshal(ev.Proposal)
			if err != nil {
				zlog.Warn("frontend: marshal dns proposal failed", zlog.String("error", err.Error()))
				continue
			}
			_ = e.resolverCh.Send(ipc.TypeReplaceDNS, 0, payload, -1)
		}
	}
}

// loadTrustAnchorFile parses the anchor file the parent hands over with
// TAFD and keeps the fd open on the Engine for the lifetime of the
// process, the same way the original keeps ta_fd as a global: every
// NEW_TAS_DONE delivery from the resolver rewrites this file in place so
// its mtime stays a liveness indicator (spec.md §4.7, §6).
func (e *Engine) loadTrustAnchorFile(fd int) error {
	if fd >= 0 {
		f := os.NewFile(uintptr(fd), "trust-anchor")
		anchors, err := trustanchor.Parse(f)
		if err != nil {
			f.Close()
			return err
		}
		for _, a := range anchors {
			e.trustanchors.Add(a)
		}

		e.mu.Lock()
		if e.taFile != nil {
			e.taFile.Close()
		}
		e.taFile = f
		e.mu.Unlock()
	}

	for _, a := range e.trustanchors.Snapshot() {
		if err := e.resolverCh.Send(ipc.TypeNewTA, 0, []byte(a), -1); err != nil {
			return err
		}
	}
	return e.resolverCh.Send(ipc.TypeNewTAsDone, 0, nil, -1)
}

func (e *Engine) loadBlocklistFile(fd int) error {
	if fd < 0 {
		return errors.New("frontend: blocklist message carried no fd")
	}
	f := os.NewFile(uintptr(fd), "blocklist")
	defer f.Close()
	return e.blocklist.Reload(f)
}
