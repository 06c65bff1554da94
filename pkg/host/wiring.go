package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/admission"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/artifacts"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/audit"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/config"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/loader"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/observability"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/snapshot"
)

// FromConfig builds a Host with every backend cfg names. The returned
// function releases them.
func FromConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Host, func(context.Context) error, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var closers []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i](ctx))
		}
		return errors.Join(errs...)
	}
	fail := func(err error) (*Host, func(context.Context) error, error) {
		_ = shutdown(ctx)
		return nil, nil, err
	}

	admitter, err := admitterFor(cfg)
	if err != nil {
		return fail(err)
	}

	trail, trailClose, err := trailFor(ctx, cfg.Audit)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, trailClose)

	snaps, snapClose, err := snapshotsFor(cfg.Snapshot)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, snapClose)

	store, err := artifacts.NewStore(ctx, cfg.Artifacts)
	if err != nil {
		return fail(err)
	}

	tel, err := observability.New(ctx, cfg.Telemetry)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, tel.Shutdown)

	h, err := New(Options{
		Kernel:    cfg.KernelConfig(),
		Artifacts: store,
		Admitter:  admitter,
		Trail:     trail,
		Snapshots: snaps,
		Telemetry: tel,
		RateLimit: RateLimit{PerSecond: cfg.RateLimit.PerSecond, Burst: cfg.RateLimit.Burst},
		JWTSecret: []byte(cfg.JWTSecret),
		Logger:    logger,
	})
	if err != nil {
		return fail(err)
	}
	closers = append(closers, h.Close)
	return h, shutdown, nil
}

func admitterFor(cfg *config.Config) (loader.Admitter, error) {
	var policies []admission.Policy
	switch {
	case cfg.PolicyFile != "":
		p, err := admission.LoadPolicies(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		policies = p
	case cfg.Admission:
		policies = admission.DefaultPolicies()
	default:
		return nil, nil
	}
	return admission.New(policies...)
}

// trailFor opens the configured sinks and resumes the chain from the
// durable one, SQL taking precedence over the JSON lines log.
func trailFor(ctx context.Context, cfg config.AuditConfig) (*audit.Trail, func(context.Context) error, error) {
	var (
		sinks   []audit.Sink
		prior   []audit.Entry
		closers []io.Closer
	)
	closeAll := func(context.Context) error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c.Close())
		}
		return errors.Join(errs...)
	}

	if cfg.LogFile != "" {
		if f, err := os.Open(cfg.LogFile); err == nil {
			prior, err = audit.ReadLines(f)
			_ = f.Close()
			if err != nil {
				return nil, nil, fmt.Errorf("audit log %s: %w", cfg.LogFile, err)
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("audit log: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o750); err != nil {
			return nil, nil, err
		}
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("audit log: %w", err)
		}
		closers = append(closers, f)
		sinks = append(sinks, audit.NewWriterSink(f))
	}

	if cfg.DSN != "" {
		dialect := audit.Dialect(cfg.Dialect)
		db, err := audit.OpenSQL(dialect, cfg.DSN)
		if err != nil {
			_ = closeAll(ctx)
			return nil, nil, err
		}
		closers = append(closers, db)
		sink, err := audit.NewSQLSink(ctx, db, dialect)
		if err != nil {
			_ = closeAll(ctx)
			return nil, nil, err
		}
		if prior, err = sink.Load(ctx); err != nil {
			_ = closeAll(ctx)
			return nil, nil, err
		}
		sinks = append(sinks, sink)
	}

	trail, err := audit.Resume(cfg.Capacity, prior, sinks...)
	if err != nil {
		_ = closeAll(ctx)
		return nil, nil, err
	}
	return trail, closeAll, nil
}

func snapshotsFor(cfg config.SnapshotConfig) (snapshot.Store, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	switch cfg.Backend {
	case "redis":
		client, err := snapshot.DialRedis(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return snapshot.NewRedisStore(client, cfg.Prefix), func(context.Context) error { return client.Close() }, nil
	case "fs", "":
		s, err := snapshot.NewFileStore(cfg.Dir)
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil
	}
	return nil, nil, fmt.Errorf("snapshot: unsupported backend %q", cfg.Backend)
}
