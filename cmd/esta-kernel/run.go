package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/admission"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/config"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/host"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/kernel/loader"
	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/observability"
)

func newRunCmd(g *globals) *cobra.Command {
	var scenarioPath, metricsPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Replay a scenario on a host built from the configuration and print its report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := g.config()
			if err != nil {
				return err
			}
			sc, err := host.LoadScenario(scenarioPath)
			if err != nil {
				return err
			}
			h, shutdown, err := host.FromConfig(ctx, cfg, g.logger(cfg))
			if err != nil {
				return err
			}
			defer func() { _ = shutdown(context.Background()) }()

			rep, replayErr := host.Replay(ctx, h, sc)
			if err := writeJSON(g, rep); err != nil {
				return err
			}
			if metricsPath != "" {
				if err := writeMetrics(metricsPath, h); err != nil {
					return err
				}
			}
			if replayErr != nil {
				return failed("scenario %s: %w", sc.Name, replayErr)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&scenarioPath, "scenario", "", "Scenario YAML file (REQUIRED)")
	cmd.Flags().StringVar(&metricsPath, "metrics", "", "Write kernel metrics in Prometheus text format to this file")
	_ = cmd.MarkFlagRequired("scenario")
	return cmd
}

func newReplayCmd(g *globals) *cobra.Command {
	var scenarioPath string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Run a scenario twice on fresh in-memory hosts and compare the final digests",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := g.config()
			if err != nil {
				return err
			}
			sc, err := host.LoadScenario(scenarioPath)
			if err != nil {
				return err
			}
			var digests [2]string
			for i := range digests {
				rep, err := replayFresh(ctx, cfg, g, sc)
				if err != nil {
					return failed("run %d: %w", i+1, err)
				}
				digests[i] = rep.Digest
			}
			if digests[0] != digests[1] {
				return failed("non-deterministic replay: %s != %s", digests[0], digests[1])
			}
			_, _ = fmt.Fprintf(g.stdout, "deterministic %s %s\n", sc.Name, digests[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&scenarioPath, "scenario", "", "Scenario YAML file (REQUIRED)")
	_ = cmd.MarkFlagRequired("scenario")
	return cmd
}

// replayFresh runs sc on a host with the configured kernel settings and no
// durable backends.
func replayFresh(ctx context.Context, cfg *config.Config, g *globals, sc host.Scenario) (host.Report, error) {
	var admitter loader.Admitter
	if cfg.Admission {
		ev, err := admission.New(admission.DefaultPolicies()...)
		if err != nil {
			return host.Report{}, err
		}
		admitter = ev
	}
	h, err := host.New(host.Options{
		Kernel:    cfg.KernelConfig(),
		Admitter:  admitter,
		RateLimit: host.RateLimit{PerSecond: cfg.RateLimit.PerSecond, Burst: cfg.RateLimit.Burst},
		JWTSecret: []byte(cfg.JWTSecret),
		Logger:    g.logger(cfg),
	})
	if err != nil {
		return host.Report{}, err
	}
	defer func() { _ = h.Close(ctx) }()
	return host.Replay(ctx, h, sc)
}

func writeJSON(g *globals, v any) error {
	enc := json.NewEncoder(g.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeMetrics(path string, h *host.Host) error {
	reg, err := observability.NewRegistry("esta", h.Stats)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := observability.WriteText(f, reg); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
