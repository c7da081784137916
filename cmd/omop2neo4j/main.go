// Command omop2neo4j migrates OMOP vocabulary tables out of Postgres and
// into a Neo4j labeled property graph, either through batched online
// loading or by preparing neo4j-admin bulk import artifacts.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/vocagraph/omop2neo4j/engine/extract"
	"github.com/vocagraph/omop2neo4j/engine/load"
	"github.com/vocagraph/omop2neo4j/engine/transform"
	"github.com/vocagraph/omop2neo4j/engine/validate"
	"github.com/vocagraph/omop2neo4j/pkg/config"
	"github.com/vocagraph/omop2neo4j/pkg/csvstream"
	"github.com/vocagraph/omop2neo4j/pkg/metrics"
	"github.com/vocagraph/omop2neo4j/pkg/resilience"
)

var (
	cfgPath string
	yes     bool

	cfg config.Config
	log *slog.Logger
	met = metrics.New()
)

var rootCmd = &cobra.Command{
	Use:           "omop2neo4j",
	Short:         "Migrate OMOP vocabulary tables into a Neo4j property graph",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		log = slog.New(slog.NewTextHandler(os.Stderr, nil))
		slog.SetDefault(log)
		if cfg.MetricsPort > 0 {
			met.ServeAsync(cfg.MetricsPort)
		}
		return nil
	},
}

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Export the vocabulary tables from Postgres to CSV",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		src, err := extract.Connect(ctx, cfg.Postgres)
		if err != nil {
			return err
		}
		defer src.Close(ctx)
		ex := extract.New(src, cfg.Postgres.Schema, extract.Deps{Logger: log, Metrics: met})
		if err := ex.Run(ctx, cfg.ExportDir); err != nil {
			return err
		}
		log.Info("extraction complete", "dir", cfg.ExportDir)
		return nil
	},
}

var clearDBCmd = &cobra.Command{
	Use:   "clear-db",
	Short: "Drop all constraints, indexes, and data from the target graph",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !confirmed("This will WIPE the entire Neo4j database. Continue?") {
			return fmt.Errorf("aborted: confirmation missing")
		}
		ctx := cmd.Context()
		g, err := load.Connect(ctx, cfg.Neo4j)
		if err != nil {
			return err
		}
		defer g.Close(ctx)
		l := load.New(g, cfg.LoadBatchSize, loaderDeps())
		if err := l.Wipe(ctx); err != nil {
			return err
		}
		log.Info("database cleared")
		return nil
	},
}

var createIndexesCmd = &cobra.Command{
	Use:   "create-indexes",
	Short: "Apply the constraint and index set (idempotent)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		g, err := load.Connect(ctx, cfg.Neo4j)
		if err != nil {
			return err
		}
		defer g.Close(ctx)
		l := load.New(g, cfg.LoadBatchSize, loaderDeps())
		if err := l.ApplySchema(ctx); err != nil {
			return err
		}
		log.Info("constraints and indexes created")
		return nil
	},
}

var loadCSVCmd = &cobra.Command{
	Use:   "load-csv",
	Short: "Transform the extracted CSVs and load them through batched transactions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		eng := transform.New(cfg.ChunkSize, transform.Deps{Logger: log, Metrics: met})
		artifactDir := filepath.Join(cfg.ExportDir, "online")
		report, err := eng.EmitOnline(ctx, cfg.ExportDir, artifactDir)
		if err != nil {
			return err
		}

		g, err := load.Connect(ctx, cfg.Neo4j)
		if err != nil {
			return err
		}
		defer g.Close(ctx)

		v, err := validate.New(ctx, cfg.Neo4j, validate.Deps{Logger: log, Metrics: met})
		if err != nil {
			return err
		}
		defer v.Close(ctx)

		l := load.New(g, cfg.LoadBatchSize, loaderDeps())
		out, err := l.Run(ctx, load.RunOptions{
			ArtifactDir: artifactDir,
			Confirmed:   yes,
			Validate: func(ctx context.Context, out *load.Outcome) error {
				rep, err := v.Run(ctx, validate.Inputs{
					Expected: validate.ExpectedFromReport(report),
					Skipped:  skipsByTable(report),
					Created:  out.Created,
				})
				if err != nil {
					return err
				}
				printReport(rep)
				return rep.Err()
			},
		})
		if out != nil {
			log.Info("run finished", "run_id", out.RunID, "state", out.Final,
				"skipped_rows", report.SkippedTotal())
			if out.Checkpoint != nil {
				log.Warn("partial progress", "destination", out.Checkpoint.Destination,
					"batches_committed", out.Checkpoint.Batch)
			}
		}
		return err
	},
}

var prepareBulkCmd = &cobra.Command{
	Use:   "prepare-bulk",
	Short: "Partition the extracted CSVs into neo4j-admin bulk import files",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		eng := transform.New(cfg.ChunkSize, transform.Deps{Logger: log, Metrics: met})
		m, report, err := eng.EmitOffline(ctx, cfg.ExportDir, cfg.BulkImportDir)
		if err != nil {
			return err
		}
		log.Info("bulk artifacts written", "dir", cfg.BulkImportDir,
			"destinations", len(m.Entries), "skipped_rows", report.SkippedTotal())

		cmdline, err := load.PrepareBulk(cfg.BulkImportDir, cfg.Neo4j.Database)
		if err != nil {
			return err
		}
		fmt.Println("Run this on the Neo4j host (database must be stopped):")
		fmt.Println(cmdline)
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Run read-only validation checks against the loaded graph",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		v, err := validate.New(ctx, cfg.Neo4j, validate.Deps{Logger: log, Metrics: met})
		if err != nil {
			return err
		}
		defer v.Close(ctx)

		in := validate.Inputs{SampleConceptID: sampleConceptID}
		// A bulk manifest, when present, supplies the expected counts.
		if m, err := transform.LoadManifest(cfg.BulkImportDir); err == nil {
			in.Expected = validate.ExpectedFromManifest(m)
		} else {
			log.Info("no manifest found, reporting aggregates only", "dir", cfg.BulkImportDir)
		}
		rep, err := v.Run(ctx, in)
		if err != nil {
			return err
		}
		printReport(rep)
		return rep.Err()
	},
}

var sampleConceptID int64

func loaderDeps() load.Deps {
	deps := load.Deps{
		Logger:  log,
		Metrics: met,
		Confirm: promptConfirm,
		Limiter: resilience.NewLimiter(resilience.LimiterOpts{Rate: cfg.CommitsPerSecond}),
	}
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			log.Warn("nats connect failed, events disabled", "error", err)
		} else {
			deps.Events = load.NATSSink(nc, cfg.EventsSubject)
		}
	}
	return deps
}

func confirmed(prompt string) bool {
	return yes || promptConfirm(prompt)
}

func promptConfirm(prompt string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func skipsByTable(r *transform.Report) map[string][]csvstream.SkippedRow {
	out := make(map[string][]csvstream.SkippedRow)
	for name, s := range r.Tables {
		if len(s.Skipped) > 0 {
			out[name] = s.Skipped
		}
	}
	return out
}

func printReport(rep *validate.Report) {
	for _, c := range rep.Checks {
		status := "PASS"
		if !c.Passed {
			status = "FAIL"
		}
		fmt.Printf("%-4s %s [%s] expected=%d actual=%d %s\n",
			status, c.Name, c.Target, c.Expected, c.Actual, c.Detail)
	}
	for name, v := range rep.Aggregates {
		fmt.Printf("     %s = %.2f\n", name, v)
	}
	for _, line := range rep.Sample {
		fmt.Println(line)
	}
	for table, skips := range rep.Skipped {
		for _, s := range skips {
			fmt.Printf("     skipped %s line %d: %s\n", table, s.Line, s.Reason)
		}
	}
}

func main() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&yes, "yes", "y", false, "skip confirmation prompts")
	validateCmd.Flags().Int64Var(&sampleConceptID, "sample-concept", 1177480, "concept_id to inspect (0 disables)")
	rootCmd.AddCommand(extractCmd, clearDBCmd, createIndexesCmd, loadCSVCmd, prepareBulkCmd, validateCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if log != nil {
			log.Error("command failed", "error", err)
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
