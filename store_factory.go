package flatq

import (
	"context"
	"fmt"

	"pkt.systems/pslog"

	"pkt.systems/flatq/internal/clock"
	"pkt.systems/flatq/internal/storage"
	"pkt.systems/flatq/internal/storage/disk"
	loggingbackend "pkt.systems/flatq/internal/storage/logging"
	"pkt.systems/flatq/internal/storage/retry"
)

// BuildDiskConfig maps a validated Config onto the disk backend settings.
func BuildDiskConfig(cfg Config, logger pslog.Logger) disk.Config {
	return disk.Config{
		Root:       cfg.Root,
		FileMode:   cfg.FileMode,
		DirMode:    cfg.DirMode,
		Order:      storage.Order(cfg.Order),
		QueueWatch: !cfg.DisableQueueWatch,
		Logger:     logger,
	}
}

// openBackend builds the disk store and the decorated backend the driver
// talks to: disk -> logging -> retry.
func openBackend(ctx context.Context, cfg Config, logger pslog.Logger, clk clock.Clock) (*disk.Store, storage.Backend, error) {
	storageLogger := logger.With("svc", "storage")
	diskCfg := BuildDiskConfig(cfg, storageLogger.With("layer", "disk"))
	diskCfg.Clock = clk
	if cfg.VerifyOnStart {
		for _, check := range disk.Verify(ctx, diskCfg) {
			if check.Err != nil {
				return nil, nil, fmt.Errorf("disk store verification failed: %s: %w", check.Name, check.Err)
			}
		}
		logger.Debug("storage.verify.success", "root", cfg.Root)
	}
	store, err := disk.New(diskCfg)
	if err != nil {
		return nil, nil, err
	}
	retryCfg := retry.Config{
		MaxAttempts: cfg.StorageRetryMaxAttempts,
		BaseDelay:   cfg.StorageRetryBaseDelay,
		MaxDelay:    cfg.StorageRetryMaxDelay,
		Multiplier:  cfg.StorageRetryMultiplier,
	}
	var backend storage.Backend = store
	backend = loggingbackend.Wrap(backend, storageLogger.With("layer", "backend"), "storage.disk")
	backend = retry.Wrap(backend, storageLogger.With("layer", "retry"), clk, retryCfg)
	return store, backend, nil
}
