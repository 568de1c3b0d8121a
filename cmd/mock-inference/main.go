package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/straja-ai/sentiment/internal/logger"
	"github.com/straja-ai/sentiment/internal/mockinference"
)

func main() {
	addr := flag.String("addr", "", "listen address (default 127.0.0.1:$MOCK_INFERENCE_PORT or 127.0.0.1:18090)")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	log, err := logger.New(logger.Config{Level: *level, Format: "console"})
	if err != nil {
		log = zap.NewExample()
	}
	defer func() { _ = log.Sync() }()

	shutdown, modelURL, err := mockinference.Start(*addr, log)
	if err != nil {
		log.Fatal("mock inference start failed", zap.Error(err))
	}
	log.Info("set SENTIMENT_MODEL_BACKEND=remote and SENTIMENT_REMOTE_URL to use it", zap.String("url", modelURL))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(shutdownCtx); err != nil {
		log.Error("mock inference shutdown", zap.Error(err))
	}
}
