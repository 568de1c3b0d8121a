// Package backend opens the configured inference backend. The server and the
// bench tool share it so both load the model the same way.
package backend

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/straja-ai/sentiment/internal/config"
	"github.com/straja-ai/sentiment/internal/modelstore"
	"github.com/straja-ai/sentiment/internal/onnxmodel"
	"github.com/straja-ai/sentiment/internal/remote"
	"github.com/straja-ai/sentiment/internal/sentiment"
)

// WarmupText is classified once at startup when warmup is enabled.
const WarmupText = "This service is warming up."

// Backend is a loaded classifier that can be closed at shutdown.
type Backend interface {
	sentiment.Classifier
	sentiment.Describer
	Close() error
}

type warmer interface {
	Warmup(sample string) (time.Duration, error)
}

// Open loads the backend selected by cfg.Model.Backend. It blocks until the
// model is ready; any error means the service must not start.
func Open(ctx context.Context, cfg *config.Config, log *zap.Logger) (Backend, error) {
	if log == nil {
		log = zap.NewNop()
	}
	mc := cfg.Model

	switch mc.Backend {
	case config.BackendONNX:
		dir, err := modelstore.Ensure(ctx, modelstore.Options{
			Dir:      mc.Dir,
			CacheDir: mc.CacheDir,
			Repo:     mc.Repo,
			Revision: mc.Revision,
			HubURL:   mc.HubURL,
			Files:    mc.Files,
			Token:    os.Getenv(mc.Remote.TokenEnv),
			Offline:  mc.Offline,
			Timeout:  mc.DownloadTimeout,
			Logger:   log.Named("modelstore"),
		})
		if err != nil {
			return nil, fmt.Errorf("prepare model bundle: %w", err)
		}
		model, err := onnxmodel.LoadModel(dir, onnxmodel.Options{
			SeqLen:       mc.SeqLen,
			Sessions:     mc.Sessions,
			IntraThreads: mc.IntraThreads,
			InterThreads: mc.InterThreads,
			Truncate:     mc.Truncate,
			Logger:       log.Named("onnx"),
		})
		if err != nil {
			return nil, fmt.Errorf("load onnx model from %s: %w", dir, err)
		}
		log.Info("onnx model loaded",
			zap.String("dir", dir),
			zap.String("model", model.ModelName()),
			zap.Int("seq_len", mc.SeqLen),
			zap.Int("sessions", mc.Sessions),
		)
		return model, nil

	case config.BackendRemote:
		client, err := remote.New(mc.Remote.URL, os.Getenv(mc.Remote.TokenEnv), mc.Remote.Timeout, 0)
		if err != nil {
			return nil, err
		}
		log.Info("remote backend configured", zap.String("model", client.ModelName()))
		return client, nil

	default:
		return nil, fmt.Errorf("unknown model backend %q", mc.Backend)
	}
}

// Warmup runs one inference on backends that support it. Remote backends are
// skipped.
func Warmup(b Backend, log *zap.Logger) error {
	w, ok := b.(warmer)
	if !ok {
		return nil
	}
	d, err := w.Warmup(WarmupText)
	if err != nil {
		return fmt.Errorf("warmup: %w", err)
	}
	if log != nil {
		log.Info("model warmed up", zap.Duration("took", d))
	}
	return nil
}
