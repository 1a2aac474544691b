package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"

	"okx-grid-go/internal/container"
)

func main() {
	cfgPath := flag.String("config", "config/gridbot.yaml", "配置文件路径")
	buildTimeout := flag.Duration("buildTimeout", 30*time.Second, "启动阶段（查询合约参数）超时")
	flag.Parse()

	c, err := container.New(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	buildCtx, cancel := context.WithTimeout(ctx, *buildTimeout)
	err = c.Build(buildCtx)
	cancel()
	if err != nil {
		log.Fatalf("初始化失败: %v", err)
	}
	lg := c.Logger()

	if err := c.Start(ctx); err != nil {
		lg.Error("start failed", zap.Error(err))
		_ = c.Stop()
		os.Exit(1)
	}
	// 非 systemd 环境下 SdNotify 返回 (false, nil)
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		lg.Warn("sd_notify ready failed", zap.Error(err))
	}

	select {
	case <-ctx.Done():
		lg.Info("signal received, shutting down")
	case <-c.Done():
		lg.Info("stop command received, shutting down")
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err := c.Stop(); err != nil {
		log.Printf("stop finished with errors: %v", err)
		os.Exit(1)
	}
}
