package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmerkel/devbridge/pkg/devbridge/bridge"
	"github.com/jmerkel/devbridge/pkg/devbridge/channels"
	"github.com/jmerkel/devbridge/pkg/devbridge/channels/whatsapp"
	"github.com/jmerkel/devbridge/pkg/devbridge/command"
	"github.com/jmerkel/devbridge/pkg/devbridge/config"
	"github.com/jmerkel/devbridge/pkg/devbridge/media"
	"github.com/jmerkel/devbridge/pkg/devbridge/scheduler"
	"github.com/jmerkel/devbridge/pkg/devbridge/session"
	"github.com/jmerkel/devbridge/pkg/devbridge/task"
	"github.com/jmerkel/devbridge/pkg/devbridge/webui"
)

// newServeCmd creates the `devbridge serve` command that runs the daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge daemon",
		Long: `Connect to the chat platform and run the bridge loop: poll registered
chats, dispatch messages as AI coding tasks, and send the results back.

The first run requires linking the WhatsApp account by scanning a QR code
via the web dashboard.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logger := newLogger(cfg.Logging, verbose)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The registry and runner survive restarts; everything platform-facing
	// is rebuilt per login cycle.
	sessions := session.NewRegistry(cfg.SessionsFile, cfg.ProjectsDir, cfg.Agent.Model, logger)
	runner := task.NewProcessRunner(cfg.Agent.Bin, logger)

	// Supervisor loop: a restart request or a crashed cycle tears the
	// platform connection down and logs in again; only a failed login or
	// the shutdown signal ends the daemon.
	for {
		err := runCycle(ctx, cfg, sessions, runner, logger)
		switch {
		case err == nil || errors.Is(err, context.Canceled):
			logger.Info("shutdown complete")
			return nil
		case errors.Is(err, bridge.ErrLoginFailed):
			return err
		case errors.Is(err, command.ErrRestartRequested):
			logger.Info("restart requested, reconnecting")
		default:
			logger.Error("bridge cycle ended abnormally, reconnecting", "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(5 * time.Second):
			}
		}
	}
}

// runCycle performs one login-to-teardown pass of the daemon.
func runCycle(ctx context.Context, cfg config.Config, sessions *session.Registry, runner task.Runner, logger *slog.Logger) error {
	adapter := whatsapp.New(whatsapp.Config{
		DatabasePath:   cfg.WhatsApp.DatabasePath,
		DeviceName:     cfg.WhatsApp.DeviceName,
		HistoryDepth:   cfg.WhatsApp.HistoryDepth,
		MaxMediaSizeMB: cfg.WhatsApp.MaxMediaSizeMB,
	}, logger)
	defer adapter.Close()

	tasks := task.NewManager(sessions, runner, cfg.Agent.Timeout(), logger)

	repairTask := func(instruction string) string {
		return tasks.Repair(instruction, cfg.Agent.RepairSystemPrompt)
	}
	processor := command.NewProcessor(sessions, cfg.AdminChat,
		func(_ string, instruction string) string { return repairTask(instruction) },
		logger)

	orch := bridge.New(bridge.Options{
		Adapter:      adapter,
		Sessions:     sessions,
		Commands:     processor,
		Tasks:        tasks,
		Limiter:      bridge.NewRateLimiter(cfg.Bridge.GlobalCooldown(), cfg.Bridge.ChatCooldown()),
		History:      bridge.NewHistoryLog(cfg.HistoryLog, logger),
		Repair:       repairTask,
		PollInterval: cfg.Bridge.PollInterval(),
		HistoryLimit: cfg.Bridge.HistoryLimit,
		Logger:       logger,
	})

	var web *webui.Server
	if cfg.WebUI.Enabled {
		web = webui.New(webui.Options{
			Address:  cfg.WebUI.Address,
			Sessions: sessions,
			Tasks:    tasks,
			Bridge:   orch,
			Adapter:  adapter,
			QR:       adapter,
			Logger:   logger,
		})
		web.Start()
		defer web.Stop()
	}

	// Login blocks through the QR window; the dashboard must already be up
	// so the code can be scanned.
	ok, err := adapter.Login(ctx, cfg.Bridge.LoginTimeout())
	if err != nil {
		return fmt.Errorf("%w: %v", bridge.ErrLoginFailed, err)
	}
	if !ok {
		return bridge.ErrLoginFailed
	}

	orch.SeedChats(append(sessions.ActiveChats(), cfg.AdminChat))

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched, err = scheduler.New(cfg.Scheduler, sessions, tasks, logger)
		if err != nil {
			logger.Error("scheduler disabled", "err", err)
		} else {
			sched.Start()
			defer sched.Stop()
		}
	}

	mediaCb := func(chatName string, msg channels.Message) (string, error) {
		switch msg.Type {
		case channels.MessageImage, channels.MessageAudio, channels.MessageVideo:
		default:
			return "", nil
		}
		urls, err := adapter.DownloadMedia(ctx, chatName, -1, msg.Type)
		if err != nil {
			return "", err
		}
		if len(urls) == 0 {
			return "", nil
		}
		return media.SaveDataURL(urls[0])
	}

	runErr := orch.Run(ctx, mediaCb)

	// Let in-flight tasks finish before tearing the connection down, so
	// their replies are not lost to a dead sender.
	tasks.Wait()
	orch.DrainPending(ctx)

	return runErr
}

// newLogger builds the process logger from config.
func newLogger(cfg config.LoggingConfig, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}
