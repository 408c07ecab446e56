// shift-client-demo is a minimal client runtime host: it authenticates,
// logs every translated event, and acknowledges buffer_request_ack traffic
// so the swapchain keeps cycling. It does not allocate real GBM buffers;
// framebuffer_link is sent with a closed placeholder pipe fd pair purely
// to exercise the protocol path.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/everything-os/shift/pkg/client"
	"github.com/everything-os/shift/pkg/config"
	"github.com/everything-os/shift/pkg/ids"
)

type loggingApp struct {
	logger *slog.Logger
	rt     *client.Runtime
}

func (a *loggingApp) HandleEvent(ev client.Event) {
	switch v := ev.(type) {
	case client.MonitorAddedEvent:
		a.logger.Info("monitor added", "monitor", v.Monitor, "name", v.Name, "width", v.Width, "height", v.Height)
		a.linkPlaceholderBuffers(v.Monitor)
	case client.MonitorRemovedEvent:
		a.logger.Info("monitor removed", "monitor", v.Monitor, "name", v.Name)
	case client.RenderEvent:
		a.logger.Debug("render requested", "monitor", v.Monitor, "buffer", v.Buffer)
	case client.PresentEvent:
		a.logger.Debug("buffer presented", "monitor", v.Monitor, "buffer", v.Buffer)
	case client.SessionAwakeEvent:
		a.logger.Info("session awake")
	case client.SessionSleepEvent:
		a.logger.Info("session asleep")
	case client.ErrorEvent:
		a.logger.Warn("protocol error", "code", v.Code, "message", v.Message)
	case client.PointerMoveEvent, client.PointerButtonEvent, client.KeyEvent, client.CharEvent, client.TouchEvent, client.GestureEvent:
		a.logger.Debug("input event", "event", v)
	}
}

// linkPlaceholderBuffers sends framebuffer_link with closed pipe fd pairs
// in place of real GBM/DMA-BUF allocations, which are out of scope here.
func (a *loggingApp) linkPlaceholderBuffers(monitor ids.MonitorID) {
	zero, err := placeholderDescriptor()
	if err != nil {
		a.logger.Warn("failed to allocate placeholder buffer", "err", err)
		return
	}
	one, err := placeholderDescriptor()
	if err != nil {
		a.logger.Warn("failed to allocate placeholder buffer", "err", err)
		return
	}
	if err := a.rt.AttachMonitor(monitor, zero, one); err != nil {
		a.logger.Warn("framebuffer_link failed", "monitor", monitor, "err", err)
	}
}

func placeholderDescriptor() (client.BufferDescriptor, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return client.BufferDescriptor{}, err
	}
	r.Close()
	return client.BufferDescriptor{FD: int(w.Fd()), Width: 1920, Height: 1080}, nil
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.LoadClientConfig()
	if err != nil {
		logger.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	if cfg.Trace {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	mode := client.Eager
	if cfg.RenderMode == config.RenderModeScheduled {
		mode = client.Scheduled
	}

	app := &loggingApp{logger: logger}
	rt, err := client.Dial(cfg.SocketPath, cfg.SessionToken, app, client.Config{
		Logger: logger,
		Mode:   mode,
	})
	if err != nil {
		logger.Error("failed to connect", "path", cfg.SocketPath, "err", err)
		os.Exit(1)
	}
	app.rt = rt

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rt.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("client runtime stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("shift-client-demo shutdown complete")
}
