// Command analyze runs the persona analysis once over a JSON export of trader
// records and prints the ranking. It needs no database.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/MoonCraze/trader-selection/internal/analysis"
	"github.com/MoonCraze/trader-selection/internal/archetype"
	"github.com/MoonCraze/trader-selection/internal/features"
	"github.com/MoonCraze/trader-selection/internal/model"
	"github.com/MoonCraze/trader-selection/internal/persona"
	"github.com/MoonCraze/trader-selection/internal/reconcile"
	"github.com/MoonCraze/trader-selection/internal/scoring"
)

var rootCmd = &cobra.Command{
	Use:           "analyze",
	Short:         "Offline trader persona analysis",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Classify and score traders from a JSON file",
	Long: `Run the full pipeline over a JSON array of trader records.

Examples:
  analyze run --input traders.json --top 20
  analyze run --input traders.json --catalog personas.yaml --json`,
	RunE: runAnalysis,
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Print the persona catalog",
	RunE:  printCatalog,
}

var (
	flagInput   string
	flagCatalog string
	flagTop     int
	flagWorkers int
	flagGroups  int
	flagJSON    bool
	flagVerbose bool
	flagFormat  string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&flagCatalog, "catalog", "", "persona catalog YAML (default: embedded)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	runCmd.Flags().StringVarP(&flagInput, "input", "i", "", "JSON file of trader records, - for stdin")
	runCmd.Flags().IntVar(&flagTop, "top", 10, "number of traders to print")
	runCmd.Flags().IntVar(&flagWorkers, "workers", runtime.NumCPU(), "analysis workers")
	runCmd.Flags().IntVar(&flagGroups, "groups", archetype.DefaultConfig().K, "archetype groups")
	runCmd.Flags().BoolVar(&flagJSON, "json", false, "print the full snapshot as JSON")
	_ = runCmd.MarkFlagRequired("input")

	catalogCmd.Flags().StringVar(&flagFormat, "format", "yaml", "output format: yaml or json")

	rootCmd.AddCommand(runCmd, catalogCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func setupLogging() {
	level := slog.LevelWarn
	if flagVerbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func runAnalysis(cmd *cobra.Command, _ []string) error {
	setupLogging()

	records, err := readRecords(flagInput, cmd.InOrStdin())
	if err != nil {
		return err
	}
	records = features.ExcludeBots(records)

	catalog, err := persona.Load(flagCatalog)
	if err != nil {
		return err
	}
	scorer, err := scoring.New(scoring.DefaultConfig(), catalog)
	if err != nil {
		return err
	}
	cfg := analysis.DefaultConfig()
	cfg.Workers = flagWorkers
	cfg.Archetype.K = flagGroups
	engine := analysis.NewEngine(cfg, catalog, scorer, reconcile.New(reconcile.DefaultConfig()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	snap, err := engine.Run(ctx, records)
	if err != nil {
		return fmt.Errorf("analysis: %w", err)
	}

	out := cmd.OutOrStdout()
	if flagJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	printSnapshot(out, snap, flagTop)
	return nil
}

func readRecords(path string, stdin io.Reader) ([]model.TraderRecord, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var records []model.TraderRecord
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return records, nil
}

func printSnapshot(w io.Writer, snap *model.AnalysisSnapshot, top int) {
	s := snap.Summary
	fmt.Fprintf(w, "snapshot %s  catalog %s  %s\n\n", snap.ID, snap.CatalogVersion, snap.Duration)
	fmt.Fprintf(w, "traders analyzed: %d (omitted %d)\n", s.TotalTraders, s.Omitted)
	fmt.Fprintf(w, "classified: %d  unclassified: %d  high confidence: %d\n", s.Classified, s.Unclassified, s.HighConfidence)
	fmt.Fprintf(w, "archetype groups: %d  avg copy score: %.2f\n\n", s.Groups, s.AvgCopyTradingScore)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PERSONA\tTRADERS\tAVG SCORE\tAVG CONFIDENCE")
	for _, p := range snap.Personas {
		fmt.Fprintf(tw, "%s\t%d\t%.2f\t%.2f\n", p.Persona, p.TraderCount, p.AvgCopyTradingScore, p.AvgConfidence)
	}
	tw.Flush()
	fmt.Fprintln(w)

	if top > len(snap.Traders) {
		top = len(snap.Traders)
	}
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tWALLET\tPERSONA\tEVIDENCE\tCONF\tQUALITY\tRISK\tCOPY\tVALID")
	for i, t := range snap.Traders[:top] {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%.2f\t%.1f\t%s\t%.1f\t%t\n",
			i+1,
			t.Record.WalletAddress,
			t.Classification.Persona,
			t.Classification.Evidence,
			t.Classification.Confidence,
			t.Score.QualityScore,
			t.Score.RiskCategory,
			t.Score.CopyTradingScore,
			t.Score.ValidationPassed,
		)
	}
	tw.Flush()
}

func printCatalog(cmd *cobra.Command, _ []string) error {
	catalog, err := persona.Load(flagCatalog)
	if err != nil {
		return err
	}
	doc := struct {
		Version  string               `yaml:"version" json:"version"`
		Personas []persona.Definition `yaml:"personas" json:"personas"`
	}{catalog.Version(), catalog.Definitions()}

	out := cmd.OutOrStdout()
	switch flagFormat {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(doc)
	default:
		return fmt.Errorf("unknown format %q", flagFormat)
	}
}
