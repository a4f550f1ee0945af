package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/flowgen/internal/core"
	"github.com/3cpo-dev/flowgen/internal/dataset"
	"github.com/3cpo-dev/flowgen/internal/foam"
	"github.com/3cpo-dev/flowgen/internal/raster"
	gssh "github.com/3cpo-dev/flowgen/internal/ssh"
	"github.com/3cpo-dev/flowgen/internal/telemetry"
	"github.com/3cpo-dev/flowgen/internal/workspace"
	"github.com/3cpo-dev/flowgen/pkg/api"
)

// metricsLogInterval is how often an enabled collector logs a snapshot.
const metricsLogInterval = time.Minute

func loadConfig(cmd *cobra.Command) (core.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	return core.LoadConfig(cfgPath)
}

// Run a batch
func newGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a batch of training samples",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("samples") {
				cfg.Samples, _ = flags.GetInt("samples")
			}
			if flags.Changed("seed") {
				seed, _ := flags.GetUint64("seed")
				cfg.Seed = &seed
			}
			if flags.Changed("workers") {
				cfg.Workers, _ = flags.GetInt("workers")
			}
			if flags.Changed("resolution") {
				cfg.Resolution, _ = flags.GetInt("resolution")
			}
			if flags.Changed("output") {
				cfg.OutputDir, _ = flags.GetString("output")
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			sum, err := runGenerate(ctx, cfg)
			if sum.RunID != "" {
				printSummary(cmd.OutOrStdout(), sum)
			}
			return err
		},
	}
	cmd.Flags().Int("samples", 0, "number of samples to generate")
	cmd.Flags().Uint64("seed", 0, "sampling seed (default: fresh seed, logged)")
	cmd.Flags().Int("workers", 0, "number of concurrent jobs")
	cmd.Flags().Int("resolution", 0, "tensor resolution R")
	cmd.Flags().String("output", "", "dataset output directory")
	return cmd
}

func newWorkspaces(cfg core.Config) (workspace.Manager, error) {
	if cfg.Workspace.Strategy == core.StrategyTemp {
		return workspace.NewTempManager(cfg.CaseTemplate, cfg.WorkDir)
	}
	return workspace.NewPool(cfg.CaseTemplate, cfg.WorkDir, cfg.Workspace.Slots)
}

func newRemoteSync(cfg core.Config) (*dataset.RemoteSync, error) {
	signer, err := gssh.LoadPrivateKeySigner(cfg.Sync.KeyPath)
	if err != nil {
		return nil, err
	}
	if err := gssh.EnsureKnownHostsFile(cfg.Sync.KnownHosts); err != nil {
		return nil, err
	}
	hostKeys, err := gssh.LoadKnownHostsCallback(cfg.Sync.KnownHosts, cfg.Sync.AcceptNewHosts)
	if err != nil {
		return nil, err
	}
	return &dataset.RemoteSync{
		Client: &gssh.Client{
			Addr:       cfg.Sync.Addr,
			User:       cfg.Sync.User,
			Signer:     signer,
			KnownHosts: hostKeys,
			Retries:    cfg.Sync.Retries,
		},
		RemoteDir: cfg.Sync.RemoteDir,
	}, nil
}

func startMonitoring(cfg core.Config, metrics *telemetry.Collector, store *core.Store, orch *core.Orchestrator) (*telemetry.MonitoringServer, error) {
	ms := telemetry.NewMonitoringServer(cfg.Telemetry.MonitoringAddr, metrics)
	for name, check := range telemetry.DefaultHealthChecks() {
		ms.RegisterHealthCheck(name, check)
	}
	ms.RegisterHealthCheck("ledger", func() telemetry.HealthCheck {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			return telemetry.HealthCheck{Name: "ledger", Status: telemetry.HealthStatusUnhealthy, Message: err.Error()}
		}
		return telemetry.HealthCheck{Name: "ledger", Status: telemetry.HealthStatusHealthy, Message: "ledger reachable"}
	})
	ms.SetProgress(func() any { return orch.Progress() })
	if err := ms.Start(); err != nil {
		return nil, err
	}
	return ms, nil
}

// runGenerate wires the batch from cfg and runs it to completion.
func runGenerate(ctx context.Context, cfg core.Config) (api.RunSummary, error) {
	geometries, err := foam.LoadGeometrySet(cfg.GeometryDir)
	if err != nil {
		return api.RunSummary{}, err
	}
	codec, err := dataset.ParseCodec(cfg.Codec)
	if err != nil {
		return api.RunSummary{}, err
	}
	writer, err := dataset.NewWriter(cfg.OutputDir, codec)
	if err != nil {
		return api.RunSummary{}, err
	}
	workspaces, err := newWorkspaces(cfg)
	if err != nil {
		return api.RunSummary{}, err
	}
	defer func() {
		if err := workspaces.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to clean up workspaces")
		}
	}()
	store, err := core.NewStore(ctx, cfg.Ledger.Path)
	if err != nil {
		return api.RunSummary{}, err
	}
	defer store.Close()

	metrics := telemetry.InitGlobal(cfg.Telemetry.Enabled, metricsLogInterval)
	defer telemetry.Shutdown()

	var seed uint64
	if cfg.Seed != nil {
		seed = *cfg.Seed
	} else {
		seed = core.NewSeed()
		log.Info().Uint64("seed", seed).Msg("drew fresh seed; pass it with --seed to reproduce this batch")
	}

	toolEnv, err := core.LoadToolEnv(cfg.Tools.EnvFile)
	if err != nil {
		return api.RunSummary{}, err
	}
	runner := &foam.ExecRunner{Timeout: cfg.ToolTimeout(), Grace: cfg.ToolGrace(), Env: toolEnv}
	deps := core.Deps{
		Workspaces: workspaces,
		Stager:     &foam.Stager{Runner: runner, Mesher: cfg.Tools.Mesher, Converter: cfg.Tools.Converter},
		Solver:     &foam.Solver{Runner: runner, Clean: cfg.Tools.Clean, Solver: cfg.Tools.Solver, SampleFile: cfg.SampleFile},
		Writer:     writer,
		Ledger:     store,
		Metrics:    metrics,
	}
	if cfg.Sync.Enabled {
		remote, err := newRemoteSync(cfg)
		if err != nil {
			return api.RunSummary{}, fmt.Errorf("remote sync: %w", err)
		}
		defer remote.Close()
		deps.Sync = remote
	}

	orch, err := core.NewOrchestrator(core.Options{
		Samples:    cfg.Samples,
		Seed:       seed,
		Resolution: cfg.Resolution,
		Workers:    cfg.WorkerCount(),
		Geometries: geometries,
		Bounds: core.SamplingBounds{
			MaxAngle:     cfg.Sampling.MaxAngle,
			BaseLength:   cfg.Sampling.BaseLength,
			LengthFactor: cfg.Sampling.LengthFactor,
		},
		AbortRatio:      cfg.Abort.Ratio,
		AbortMinJobs:    cfg.Abort.MinJobs,
		RequirePadCells: core.DefaultRequirePadCells,
	}, deps)
	if err != nil {
		return api.RunSummary{}, err
	}

	if cfg.Telemetry.Enabled && cfg.Telemetry.MonitoringAddr != "" {
		ms, err := startMonitoring(cfg, metrics, store, orch)
		if err != nil {
			return api.RunSummary{}, err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = ms.Shutdown(sctx)
		}()
	}

	return orch.Run(ctx)
}

func printSummary(w io.Writer, sum api.RunSummary) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "run\t%s\n", sum.RunID)
	fmt.Fprintf(tw, "status\t%s\n", sum.Status)
	fmt.Fprintf(tw, "seed\t%d\n", sum.Seed)
	fmt.Fprintf(tw, "resolution\t%d\n", sum.Resolution)
	fmt.Fprintf(tw, "requested\t%s\n", humanize.Comma(int64(sum.Requested)))
	fmt.Fprintf(tw, "persisted\t%s\n", humanize.Comma(int64(sum.Persisted)))
	fmt.Fprintf(tw, "skipped\t%s\n", humanize.Comma(int64(sum.Skipped)))
	fmt.Fprintf(tw, "abandoned\t%s\n", humanize.Comma(int64(sum.Abandoned)))
	if !sum.Started.IsZero() {
		fmt.Fprintf(tw, "started\t%s (%s)\n", sum.Started.Local().Format(time.RFC3339), humanize.Time(sum.Started))
	}
	if !sum.Finished.IsZero() {
		fmt.Fprintf(tw, "elapsed\t%s\n", sum.Finished.Sub(sum.Started).Round(time.Millisecond))
	}
	_ = tw.Flush()
}

// Show ledger status
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the ledger summary of the latest or a given run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if _, err := os.Stat(cfg.Ledger.Path); err != nil {
				return fmt.Errorf("no ledger at %s: %w", cfg.Ledger.Path, err)
			}
			ctx := cmd.Context()
			store, err := core.NewStore(ctx, cfg.Ledger.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			runID, _ := cmd.Flags().GetString("run")
			var sum api.RunSummary
			if runID == "" {
				sum, err = store.LatestRun(ctx)
			} else {
				sum, err = store.Run(ctx, runID)
			}
			if err != nil {
				return err
			}
			trs, err := store.Transitions(ctx, sum.RunID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			printSummary(out, sum)
			printTransitions(out, trs)
			return nil
		},
	}
	cmd.Flags().String("run", "", "run id (default: latest run)")
	return cmd
}

func printTransitions(w io.Writer, trs []core.Transition) {
	var written int64
	kinds := make(map[string]int)
	for _, tr := range trs {
		switch tr.State {
		case api.JobPersisted:
			written += tr.Bytes
		case api.JobAbandoned:
			kinds[tr.ErrorKind]++
		}
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "written\t%s\n", humanize.Bytes(uint64(written)))
	names := make([]string, 0, len(kinds))
	for k := range kinds {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		label := k
		if label == "" {
			label = "unknown"
		}
		fmt.Fprintf(tw, "abandoned/%s\t%d\n", label, kinds[k])
	}
	_ = tw.Flush()
}

// Inspect a dataset file
func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect FILE",
		Short: "Decode a dataset file and print per-channel statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			info, err := os.Stat(path)
			if err != nil {
				return err
			}
			t, err := dataset.Read(path)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			shape := t.Shape()
			cells := t.Res * t.Res
			fmt.Fprintf(out, "%s\n", filepath.Base(path))
			fmt.Fprintf(out, "size   %s\n", humanize.Bytes(uint64(info.Size())))
			fmt.Fprintf(out, "shape  (%d, %d, %d)\n", shape[0], shape[1], shape[2])
			fmt.Fprintf(out, "mask   %d/%d cells occluded (%.1f%%)\n", t.Occluded(), cells, 100*float64(t.Occluded())/float64(cells))

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "channel\tmin\tmax\tmean")
			for c := 0; c < raster.NumChannels; c++ {
				s := t.Stats(c)
				fmt.Fprintf(tw, "%s\t%.6g\t%.6g\t%.6g\n", raster.ChannelName(c), s.Min, s.Max, s.Mean)
			}
			return tw.Flush()
		},
	}
}

// Write a default config
func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			if path == "" {
				path = core.DefaultConfigPath()
			}
			force, _ := cmd.Flags().GetBool("force")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}

			cfg := core.DefaultConfig()
			data, err := cfg.Marshal()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "wrote %s\n", path)

			if withKey, _ := cmd.Flags().GetBool("sync-key"); withKey {
				host, _ := os.Hostname()
				pub, err := gssh.GenerateEd25519Keypair(cfg.Sync.KeyPath, "flowgen@"+host)
				if err != nil {
					return err
				}
				if err := gssh.EnsureKnownHostsFile(cfg.Sync.KnownHosts); err != nil {
					return err
				}
				fmt.Fprintf(out, "wrote %s\n", cfg.Sync.KeyPath)
				fmt.Fprintf(out, "authorize this key on the sync target:\n%s", pub)
			}
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "overwrite an existing config")
	cmd.Flags().Bool("sync-key", false, "generate an ed25519 key for remote sync")
	return cmd
}
