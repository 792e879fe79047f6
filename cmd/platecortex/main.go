package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/cellassay/platecortex/engine/config"
	"github.com/cellassay/platecortex/engine/loop"
	"github.com/cellassay/platecortex/engine/telemetry/events"
	"github.com/cellassay/platecortex/engine/telemetry/logging"
	"github.com/cellassay/platecortex/engine/telemetry/metrics"
	"github.com/cellassay/platecortex/engine/telemetry/tracing"
	"github.com/cellassay/platecortex/engine/vm"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("usage: platecortex run [flags]")
		os.Exit(loop.ExitInternalError)
	}
	switch os.Args[1] {
	case "run":
		runCommand(os.Args[2:])
	case "version", "-version", "--version":
		fmt.Println("platecortex – autonomous screen design agent")
	default:
		fmt.Printf("unknown command %q; want \"run\"\n", os.Args[1])
		os.Exit(loop.ExitInternalError)
	}
}

func runCommand(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	var (
		seed           int64
		budget         int
		maxCycles      int
		outDir         string
		plateFormat    int
		reserveWells   int
		configPath     string
		compoundsPath  string
		cellLinesPath  string
		enableMetrics  bool
		metricsAddr    string
		metricsBackend string
		selfTest       bool
		snapshotEvery  time.Duration
	)
	fs.Int64Var(&seed, "seed", 42, "deterministic run seed")
	fs.IntVar(&budget, "budget", 0, "well budget for the run (0 = use config default)")
	fs.IntVar(&maxCycles, "max-cycles", 0, "maximum integer cycles (0 = use config default)")
	fs.StringVar(&outDir, "out", "", "output directory for ledgers and episode_summary.json (empty = use config default)")
	fs.IntVar(&plateFormat, "plate-format", 0, "plate format: 96 or 384 (0 = use config default)")
	fs.IntVar(&reserveWells, "reserve-wells", -1, "wells held back from scoring eligibility (-1 = use config default)")
	fs.StringVar(&configPath, "config", "", "optional YAML file layered over built-in RunConfig defaults")
	fs.StringVar(&compoundsPath, "compounds", "", "optional YAML compound table (empty = illustrative default)")
	fs.StringVar(&cellLinesPath, "cell-lines", "", "optional YAML cell-line table (empty = illustrative default)")
	fs.BoolVar(&enableMetrics, "metrics", false, "enable the metrics provider (required to serve --metrics-addr)")
	fs.StringVar(&metricsAddr, "metrics-addr", "", "expose metrics on address (e.g. :9090); empty disables the endpoint")
	fs.StringVar(&metricsBackend, "metrics-backend", "noop", "metrics backend: prom|otel|noop")
	fs.BoolVar(&selfTest, "self-test", false, "run a minimal simulation asserting RNG-stream isolation, then exit")
	fs.DurationVar(&snapshotEvery, "snapshot-interval", 10*time.Second, "interval between progress snapshots printed to stderr (0=disabled)")
	if err := fs.Parse(args); err != nil {
		log.Fatalf("parse flags: %v", err)
	}

	if !enableMetrics {
		metricsBackend = "noop"
	}

	cfg, err := resolveConfig(configPath, seed, budget, maxCycles, outDir, plateFormat, reserveWells, metricsBackend, metricsAddr, selfTest)
	if err != nil {
		log.Fatalf("resolve config: %v", err)
	}

	compounds, err := config.LoadCompoundTable(compoundsPath)
	if err != nil {
		log.Fatalf("load compound table: %v", err)
	}
	cellLines, err := config.LoadCellLineTable(cellLinesPath)
	if err != nil {
		log.Fatalf("load cell-line table: %v", err)
	}
	layout := config.PlateLayout{Format: cfg.PlateFormat}

	if cfg.SelfTest {
		os.Exit(runSelfTest(cfg, compounds, cellLines))
	}

	provider, err := buildMetricsProvider(cfg)
	if err != nil {
		log.Fatalf("metrics provider: %v", err)
	}
	logger := logging.New(slog.Default())
	bus := events.NewBus(provider)
	tracer := tracing.NewTracer(false)

	l, err := loop.New(cfg, compounds, cellLines, layout, logger, bus, tracer, provider)
	if err != nil {
		log.Fatalf("construct loop: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("signal received; stopping after the current cycle...")
		cancel()
		<-sigCh
		log.Println("second signal received; forcing exit")
		os.Exit(loop.ExitInternalError)
	}()

	if metricsAddr != "" && cfg.MetricsBackend == "prom" {
		if pp, ok := provider.(*metrics.PrometheusProvider); ok {
			mux := http.NewServeMux()
			mux.Handle("/metrics", pp.MetricsHandler())
			srv := &http.Server{Addr: metricsAddr, Handler: mux}
			go func() {
				<-ctx.Done()
				_ = srv.Shutdown(context.Background())
			}()
			go func() {
				log.Printf("metrics listening on %s", metricsAddr)
				_ = srv.ListenAndServe()
			}()
		}
	}

	if snapshotEvery > 0 {
		ticker := time.NewTicker(snapshotEvery)
		defer ticker.Stop()
		done := make(chan struct{})
		defer close(done)
		go func() {
			for {
				select {
				case <-ticker.C:
					s := l.Snapshot()
					fmt.Fprintf(os.Stderr, "\n=== SNAPSHOT %s ===\ncycle=%d budget_remaining=%d last_action=%s epistemic_debt=%.3f health_debt=%.3f\n",
						time.Now().Format(time.RFC3339), s.Cycle, s.BudgetRemaining, s.LastAction, s.EpistemicDebt, s.HealthDebt)
				case <-done:
					return
				}
			}
		}()
	}

	summary, err := l.Run(ctx)
	if err != nil {
		log.Fatalf("run loop: %v", err)
	}

	log.Printf("run complete: reason=%s cycles=%d wells_remaining=%d exit_code=%d", summary.TerminationReason, summary.Cycles, summary.WellsRemaining, summary.ExitCode)
	os.Exit(summary.ExitCode)
}

func resolveConfig(configPath string, seed int64, budget, maxCycles int, outDir string, plateFormat, reserveWells int, metricsBackend, metricsAddr string, selfTest bool) (config.RunConfig, error) {
	base, err := config.LoadRunConfigFile(config.DefaultRunConfig(), configPath)
	if err != nil {
		return base, err
	}
	base.Seed = seed
	if budget > 0 {
		base.BudgetWells = budget
	}
	if maxCycles > 0 {
		base.MaxCycles = maxCycles
	}
	if outDir != "" {
		base.OutDir = outDir
	}
	if plateFormat != 0 {
		base.PlateFormat = plateFormat
	}
	if reserveWells >= 0 {
		base.ReserveWells = reserveWells
	}
	base.MetricsBackend = metricsBackend
	base.MetricsAddr = metricsAddr
	base.SelfTest = selfTest
	if err := base.Validate(); err != nil {
		return base, err
	}
	return base, nil
}

func buildMetricsProvider(cfg config.RunConfig) (metrics.Provider, error) {
	switch cfg.MetricsBackend {
	case "prom":
		return metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{}), nil
	case "otel":
		return metrics.NewOTelProvider(metrics.OTelProviderOptions{ServiceName: "platecortex"}), nil
	case "noop", "":
		return metrics.NewNoopProvider(), nil
	default:
		return nil, fmt.Errorf("unknown metrics backend %q (want prom|otel|noop)", cfg.MetricsBackend)
	}
}

// runSelfTest seeds one vessel, measures it once with the LDH assay, and
// asserts the growth stream's RNG state is untouched by that assay call
// (§6: "--self-test... asserts RNG-stream isolation"). It returns the
// process exit code (non-zero on seed/measure failure or violation)
// rather than an error, matching the CLI's exit-code contract.
func runSelfTest(cfg config.RunConfig, compounds config.CompoundTable, cellLines config.CellLineTable) int {
	bio := vm.New(cfg.Seed, cfg, cellLines, compounds)

	const wellID = "A01"
	if err := bio.SeedVessel(wellID, firstCellLine(cellLines), 500, 1.0); err != nil {
		log.Printf("self-test: seed failed: %v", err)
		return loop.ExitInternalError
	}

	before := bio.GrowthSnapshot()
	if _, err := bio.Measure(wellID, "LDH"); err != nil {
		log.Printf("self-test: measure failed: %v", err)
		return loop.ExitInternalError
	}
	after := bio.GrowthSnapshot()

	if before != after {
		log.Printf("self-test FAILED: rng_growth state changed across an assay call (%d -> %d)", before, after)
		return loop.ExitInternalError
	}

	log.Println("self-test passed: rng_growth isolated from assay call")
	return loop.ExitSuccess
}

func firstCellLine(cellLines config.CellLineTable) string {
	for name := range cellLines {
		return name
	}
	return ""
}
