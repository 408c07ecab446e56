// shift-server is the compositor process: it owns the GPU backend, runs
// the renderer core and server orchestrator on their own goroutines, and
// bridges client connections on a SOCK_SEQPACKET Unix socket to the
// orchestrator's frame/outbound channels.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/everything-os/shift/pkg/config"
	"github.com/everything-os/shift/pkg/gpu"
	"github.com/everything-os/shift/pkg/ids"
	"github.com/everything-os/shift/pkg/renderer"
	"github.com/everything-os/shift/pkg/server"
	"github.com/everything-os/shift/pkg/wireproto"

	"github.com/everything-os/shift/pkg/fence"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.LoadServerConfig()
	if err != nil {
		logger.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	if cfg.Trace {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	adminToken, err := server.ParseToken(cfg.AdminToken)
	if err != nil {
		adminToken, err = server.GenerateToken()
		if err != nil {
			logger.Error("failed to generate admin token", "err", err)
			os.Exit(1)
		}
		logger.Info("generated admin token", "token", adminToken.String())
	}

	backend := gpu.Default()
	if err := backend.Init(); err != nil {
		logger.Error("failed to init gpu backend", "backend", backend.Name(), "err", err)
		os.Exit(1)
	}
	defer backend.Close()
	logger.Info("gpu backend ready", "backend", backend.Name())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	commands := make(chan renderer.Command, 64)
	rendererEvents := make(chan renderer.Event, 256)
	core := renderer.New(
		logger.With("component", "renderer"),
		backend,
		fence.New(),
		renderer.NewAnimationRegistry(),
		renderer.Config{DebugFDGuard: cfg.DebugFDGuard, DebugFDGuardLimit: cfg.DebugFDGuardLimit, TickBackstop: renderer.DefaultConfig().TickBackstop},
		commands,
		rendererEvents,
	)

	frames := make(chan server.ClientFrame, 256)
	outbound := make(chan server.Outbound, 256)
	orch := server.New(logger.With("component", "server"), server.Config{
		AdminToken:           adminToken,
		Commands:             commands,
		Events:               rendererEvents,
		Frames:               frames,
		Outbound:             outbound,
		DebugAutoSwitch:      cfg.DebugAutoSwitch,
		DebugAutoSwitchAfter: cfg.DebugAutoSwitchAfter,
	})

	conns := &connectionSet{byClient: make(map[uint64]*net.UnixConn)}

	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		if err := core.Run(ctx); err != nil && !errors.Is(err, renderer.ErrShutdown) && !errors.Is(err, context.Canceled) {
			logger.Error("renderer stopped", "err", err)
		}
	}()

	go func() {
		defer wg.Done()
		if err := orch.Run(ctx, cfg.TickInterval); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("orchestrator stopped", "err", err)
		}
	}()

	go func() {
		defer wg.Done()
		dispatchOutbound(ctx, logger, conns, outbound)
	}()

	// Real output hotplug detection requires DRM bindings out of scope
	// here; announce one virtual monitor so a client has something to
	// link buffers to.
	commands <- renderer.MonitorOnlineCommand{Monitor: ids.NewMonitorID(), Name: "virtual-0", Width: 1920, Height: 1080, Refresh: 60}

	listener, err := listenSocket(cfg.SocketPath)
	if err != nil {
		logger.Error("failed to listen", "path", cfg.SocketPath, "err", err)
		os.Exit(1)
	}
	logger.Info("listening", "path", cfg.SocketPath)

	go acceptLoop(ctx, logger, listener, conns, frames)

	<-ctx.Done()
	listener.Close()
	wg.Wait()
	logger.Info("shift-server shutdown complete")
}

func listenSocket(path string) (*net.UnixListener, error) {
	os.Remove(path)
	addr := &net.UnixAddr{Name: path, Net: "unixpacket"}
	return net.ListenUnix("unixpacket", addr)
}

type connectionSet struct {
	mu       sync.Mutex
	byClient map[uint64]*net.UnixConn
}

func (c *connectionSet) add(id uint64, conn *net.UnixConn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byClient[id] = conn
}

func (c *connectionSet) remove(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byClient, id)
}

func (c *connectionSet) get(id uint64) (*net.UnixConn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.byClient[id]
	return conn, ok
}

func acceptLoop(ctx context.Context, logger *slog.Logger, listener *net.UnixListener, conns *connectionSet, frames chan<- server.ClientFrame) {
	var nextClient uint64
	for {
		conn, err := listener.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("accept failed", "err", err)
			continue
		}
		client := atomic.AddUint64(&nextClient, 1)
		conns.add(client, conn)

		payload, _ := wireproto.EncodePayload(wireproto.HelloPayload{Server: "shift", ProtocolVersion: wireproto.ProtocolVersion})
		_ = wireproto.WriteFrame(conn, wireproto.Frame{Header: wireproto.HeaderHello, Payload: payload})

		go readLoop(client, conn, conns, frames)
	}
}

func readLoop(client uint64, conn *net.UnixConn, conns *connectionSet, frames chan<- server.ClientFrame) {
	for {
		f, err := wireproto.ReadFrame(conn)
		if err != nil {
			conns.remove(client)
			conn.Close()
			frames <- server.ClientFrame{Client: client, Disconnected: true}
			return
		}
		frames <- server.ClientFrame{Client: client, Header: f.Header, Payload: f.Payload, FDs: f.FDs}
	}
}

func dispatchOutbound(ctx context.Context, logger *slog.Logger, conns *connectionSet, outbound <-chan server.Outbound) {
	for {
		select {
		case <-ctx.Done():
			return
		case ob := <-outbound:
			conn, ok := conns.get(ob.Client)
			if !ok {
				closeFDs(ob.FDs)
				continue
			}
			payload, err := wireproto.EncodePayload(ob.Payload)
			if err != nil {
				logger.Warn("failed to encode outbound payload", "header", ob.Header, "err", err)
				closeFDs(ob.FDs)
				continue
			}
			if err := wireproto.WriteFrame(conn, wireproto.Frame{Header: ob.Header, Payload: payload, FDs: ob.FDs}); err != nil {
				logger.Warn("failed to write outbound frame", "client", ob.Client, "header", ob.Header, "err", err)
			}
		}
	}
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		syscall.Close(fd)
	}
}
