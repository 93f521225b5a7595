package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"trailkeep/internal/archive"
	"trailkeep/internal/ledger"
	"trailkeep/pkg/db"
)

func main() {
	_ = godotenv.Load()

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "trailctl",
		Short:         "Operational tooling for the trailkeep audit ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newVerifyCommand())
	cmd.AddCommand(newPruneCommand())
	cmd.AddCommand(newExportCommand())
	cmd.AddCommand(newBundleCommand())
	return cmd
}

func openStore(ctx context.Context, dsn string) (*ledger.PostgresStore, func(), error) {
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		return nil, nil, errors.New("database DSN required (--dsn or DB_DSN)")
	}
	pool, err := db.Open(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	return ledger.NewPostgresStore(pool), pool.Close, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newVerifyCommand() *cobra.Command {
	var (
		dsn     string
		org     string
		fromSeq int64
		toSeq   int64
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute and check an organization's hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			store, closeStore, err := openStore(ctx, dsn)
			if err != nil {
				return err
			}
			defer closeStore()

			report, err := ledger.NewVerifier(store).Verify(ctx, org, fromSeq, toSeq)
			if err != nil {
				return err
			}
			if err := printJSON(report); err != nil {
				return err
			}
			if !report.Valid() {
				return fmt.Errorf("chain broken at sequence %d", *report.BrokenAtSequence)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dsn, "dsn", "", "Postgres DSN (defaults to DB_DSN)")
	cmd.Flags().StringVar(&org, "org", "", "Organization ID to verify")
	cmd.Flags().Int64Var(&fromSeq, "from", 0, "First sequence to check (0 = chain start)")
	cmd.Flags().Int64Var(&toSeq, "to", 0, "Last sequence to check (0 = current tip)")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

func newPruneCommand() *cobra.Command {
	var (
		dsn        string
		org        string
		days       int
		archiveDir string
	)

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Archive and delete events past the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			store, closeStore, err := openStore(ctx, dsn)
			if err != nil {
				return err
			}
			defer closeStore()

			var archiver ledger.Archiver
			if archiveDir != "" {
				var signer *archive.Signer
				if os.Getenv("AGE_SECRET_KEY") != "" {
					signer, err = archive.NewSignerFromEnv()
					if err != nil {
						return err
					}
				}
				archiver = archive.New(archive.NewDirSink(archiveDir), signer)
			}

			retention := ledger.NewRetentionManager(store, archiver, nil)
			result, err := retention.Prune(ctx, org, days)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}

	cmd.Flags().StringVar(&dsn, "dsn", "", "Postgres DSN (defaults to DB_DSN)")
	cmd.Flags().StringVar(&org, "org", "", "Organization ID to prune")
	cmd.Flags().IntVar(&days, "days", ledger.DefaultRetentionDays, "Retention window in days")
	cmd.Flags().StringVar(&archiveDir, "archive-dir", "", "Write archive bundles below this directory before deleting")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

func newExportCommand() *cobra.Command {
	var (
		dsn    string
		org    string
		format string
		output string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export an organization's audit trail for external review",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			store, closeStore, err := openStore(ctx, dsn)
			if err != nil {
				return err
			}
			defer closeStore()

			out := os.Stdout
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}

			exporter := ledger.NewExporter(store)
			return exporter.Export(ctx, ledger.Filter{OrganizationID: org}, format, out)
		},
	}

	cmd.Flags().StringVar(&dsn, "dsn", "", "Postgres DSN (defaults to DB_DSN)")
	cmd.Flags().StringVar(&org, "org", "", "Organization ID to export")
	cmd.Flags().StringVar(&format, "format", ledger.FormatJSON, "Export format: csv or json")
	cmd.Flags().StringVar(&output, "output", "", "Destination file (defaults to stdout)")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

func newBundleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Archive bundle operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newBundleInspectCommand())
	return cmd
}

func newBundleInspectCommand() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Check an archive bundle's digest, signature, and chain linkage",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}

			manifest, events, err := archive.ReadBundle(data)
			if err != nil {
				return err
			}

			if manifest.Signature != "" {
				signer, err := archive.NewSignerFromEnv()
				if err != nil {
					return fmt.Errorf("signature present but no verification key: %w", err)
				}
				signing, err := manifest.SigningBytes()
				if err != nil {
					return err
				}
				if err := signer.Verify(signing, manifest.Signature); err != nil {
					return fmt.Errorf("verify manifest signature: %w", err)
				}
			}

			if err := archive.VerifyEvents(events); err != nil {
				return err
			}

			return printJSON(map[string]any{
				"manifest":     manifest,
				"event_count":  len(events),
				"chain_linked": true,
				"signed":       manifest.Signature != "",
			})
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Path to the bundle tar.zst")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
