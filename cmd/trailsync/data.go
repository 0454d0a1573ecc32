package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/trailsync/internal/exchange"
	"github.com/livinlefevreloca/trailsync/internal/integrity"
)

var (
	checkRepair bool
	checkPrune  bool

	exportAthlete int64
	exportFormat  string
	exportOutput  string
)

var checkCmd = &cobra.Command{
	Use:   "check [athlete-id]",
	Short: "Compare sync state against stored streams",
	Long: `Reports activities whose sync state claims streams that are missing,
activities marked as failed that do have streams, and streams with no
activity. --repair resets the sync state of the first two sets so the next
sync redoes them; --prune deletes the detached streams.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		var ids []int64
		if len(args) == 1 {
			id, err := parseAthleteID(args[0])
			if err != nil {
				return err
			}
			ids = []int64{id}
		} else {
			all, err := database.GetAllAthletes(ctx)
			if err != nil {
				return err
			}
			for _, a := range all {
				ids = append(ids, a.ID)
			}
		}

		reg, err := newRegistry()
		if err != nil {
			return err
		}
		reg.Seal()

		opts := integrity.Options{Repair: checkRepair, Prune: checkPrune}
		reports := make([]integrity.Report, 0, len(ids))
		for _, id := range ids {
			r, err := integrity.Check(ctx, database, reg, id, opts, logger)
			if err != nil {
				return fmt.Errorf("check athlete %d: %w", id, err)
			}
			reports = append(reports, r)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	},
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export athletes, activities and streams",
	Long: `Writes one JSON batch per line. Each batch holds records tagged with
their store and is bounded by a size estimate. --format csv writes one
summary row per activity instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		var w io.Writer = os.Stdout
		if exportOutput != "" && exportOutput != "-" {
			f, err := os.Create(exportOutput)
			if err != nil {
				return err
			}
			defer f.Close()
			w = f
		}
		bw := bufio.NewWriter(w)
		defer bw.Flush()

		exp := exchange.NewExporter(cfg.Exchange, database, logger)
		switch exportFormat {
		case "json":
			enc := json.NewEncoder(bw)
			return exp.Export(ctx, exportAthlete, func(b exchange.Batch) error {
				return enc.Encode(b)
			})
		case "csv":
			reg, err := newRegistry()
			if err != nil {
				return err
			}
			n, err := exp.WriteActivityCSV(ctx, bw, reg, exportAthlete)
			if err != nil {
				return err
			}
			logger.Info("export complete", "activities", n)
			return nil
		default:
			return fmt.Errorf("unknown format %q (must be json or csv)", exportFormat)
		}
	},
}

var importCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Import batches written by export",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		var r io.Reader = os.Stdin
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			r = f
		}

		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		im := exchange.NewImporter(cfg.Exchange, database, logger)
		dec := json.NewDecoder(bufio.NewReader(r))
		for batches := 1; ; batches++ {
			var b exchange.Batch
			if err := dec.Decode(&b); err == io.EOF {
				break
			} else if err != nil {
				return fmt.Errorf("batch %d: %w", batches, err)
			}
			if err := im.Import(ctx, b.Records); err != nil {
				return fmt.Errorf("batch %d: %w", batches, err)
			}
		}
		if err := im.Flush(ctx); err != nil {
			return err
		}
		logger.Info("import complete", "records", im.Imported())
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDB()
		if err != nil {
			return err
		}
		defer database.Close()

		// a no-op when openDB already migrated
		version, err := database.Migrate(cfg.Database.MigrationsDir)
		if err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		logger.Info("database schema ready", "version", version)
		return nil
	},
}

func init() {
	checkCmd.Flags().BoolVar(&checkRepair, "repair", false, "reset sync state of inconsistent activities")
	checkCmd.Flags().BoolVar(&checkPrune, "prune", false, "delete streams that belong to no activity")

	exportCmd.Flags().Int64Var(&exportAthlete, "athlete", 0, "only this athlete")
	exportCmd.Flags().StringVar(&exportFormat, "format", "json", "output format (json or csv)")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "-", "output file")

	rootCmd.AddCommand(checkCmd, exportCmd, importCmd, migrateCmd)
}
