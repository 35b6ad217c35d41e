package bootstrap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"intelvault/config"
	"intelvault/store"

	"go.uber.org/zap"
)

// EnsureDataDirectories creates the directories the configured backend and the
// exporter write to, and checks they are writable.
func EnsureDataDirectories(cfg *config.Config) error {
	dirs := []string{cfg.DataPaths.DataDir, cfg.DataPaths.ExportDir}
	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		dirs = append(dirs, filepath.Dir(cfg.DataPaths.SQLitePath))
	case config.BackendBadger:
		dirs = append(dirs, cfg.DataPaths.BadgerDir)
	case config.BackendBolt:
		dirs = append(dirs, filepath.Dir(cfg.DataPaths.BoltPath))
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		absPath, err := filepath.Abs(dir)
		if err != nil {
			return fmt.Errorf("failed to resolve absolute path for %s: %w", dir, err)
		}
		if err := os.MkdirAll(absPath, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w\n"+
				"  Remediation: Ensure the parent directory exists and is writable\n"+
				"  For Docker: Check volume mount permissions", dir, err)
		}
		testFile := filepath.Join(absPath, ".intelvault_write_test")
		if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
			return fmt.Errorf("directory %s is not writable: %w\n"+
				"  Remediation: Check file system permissions", dir, err)
		}
		_ = os.Remove(testFile)
	}
	return nil
}

// InitPersistence opens the configured storage backend.
func InitPersistence(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (store.Persistence, error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory, "":
		sugar.Warn("Using in-memory storage; records are lost on restart")
		return store.NewMemoryPersistence(), nil

	case config.BackendSQLite:
		p, err := store.NewSQLitePersistence(cfg.DataPaths.SQLitePath, sugar)
		if err != nil {
			return nil, storageError(cfg.Storage.Backend, cfg.DataPaths.SQLitePath, err)
		}
		return p, nil

	case config.BackendBadger:
		p, err := store.NewBadgerPersistence(cfg.DataPaths.BadgerDir, sugar)
		if err != nil {
			return nil, storageError(cfg.Storage.Backend, cfg.DataPaths.BadgerDir, err)
		}
		return p, nil

	case config.BackendBolt:
		p, err := store.NewBoltPersistence(cfg.DataPaths.BoltPath, sugar)
		if err != nil {
			return nil, storageError(cfg.Storage.Backend, cfg.DataPaths.BoltPath, err)
		}
		return p, nil

	case config.BackendRedis:
		r := cfg.Storage.Redis
		p := store.NewRedisPersistence(r.Addr, r.Password, r.DB, r.PoolSize, r.Prefix, sugar)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := p.Ping(pingCtx); err != nil {
			_ = p.Close()
			return nil, storageError(cfg.Storage.Backend, r.Addr, err)
		}
		return p, nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// InitStores opens persistence, builds the entity stores over it and loads
// every persisted record.
func InitStores(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (*store.Stores, store.Persistence, error) {
	persistence, err := InitPersistence(ctx, cfg, sugar)
	if err != nil {
		return nil, nil, err
	}

	codecName := cfg.Storage.Codec
	if codecName == "" && cfg.Storage.Backend == config.BackendRedis {
		codecName = "msgpack"
	}
	codec, err := store.CodecByName(codecName)
	if err != nil {
		_ = persistence.Close()
		return nil, nil, err
	}

	stores := store.NewStores(
		store.WithPersistence(persistence),
		store.WithCodec(codec),
		store.WithStripes(cfg.Storage.Stripes),
		store.WithLogger(sugar),
	)
	counts, err := stores.Load(ctx)
	if err != nil {
		_ = persistence.Close()
		return nil, nil, fmt.Errorf("failed to load records from %s: %w", persistence.Name(), err)
	}
	sugar.Infow("Storage initialized",
		"backend", persistence.Name(),
		"codec", codec.Name(),
		"records", counts)
	return stores, persistence, nil
}

// storageError wraps a backend open failure with remediation advice.
func storageError(backend, location string, err error) error {
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "locked") || (backend != config.BackendRedis && strings.Contains(errStr, "timeout")):
		return fmt.Errorf("%s store at %s is locked by another process: %w\n"+
			"  Remediation:\n"+
			"  - Check for another intelvault instance using the same data directory\n"+
			"  - Stop it or point INTELVAULT_DATA_DIR elsewhere", backend, location, err)
	case strings.Contains(errStr, "permission denied"):
		return fmt.Errorf("permission denied opening %s store at %s: %w\n"+
			"  Remediation:\n"+
			"  - Check ownership: ls -la %s\n"+
			"  - For Docker: Ensure the volume is mounted with write access", backend, location, err, location)
	case strings.Contains(errStr, "no space") || strings.Contains(errStr, "disk full"):
		return fmt.Errorf("disk full, cannot write %s store at %s: %w\n"+
			"  Remediation: Free up disk space or move the data directory", backend, location, err)
	case strings.Contains(errStr, "read-only"):
		return fmt.Errorf("%s store location %s is on a read-only file system: %w\n"+
			"  Remediation: Remount read-write or set INTELVAULT_DATA_DIR", backend, location, err)
	case strings.Contains(errStr, "corrupt") || strings.Contains(errStr, "malformed"):
		return fmt.Errorf("%s store at %s appears to be corrupted: %w\n"+
			"  CRITICAL: Back up the data directory before attempting recovery", backend, location, err)
	case strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host"):
		return fmt.Errorf("cannot reach %s at %s: %w\n"+
			"  Remediation: Check the server is running and storage.redis.addr is correct", backend, location, err)
	default:
		return fmt.Errorf("failed to open %s store at %s: %w", backend, location, err)
	}
}
