package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Michiganman2353/ESTA-Logic-sub005/pkg/audit"
)

func newAuditCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit trail",
	}
	cmd.AddCommand(newAuditVerifyCmd(g))
	return cmd
}

func newAuditVerifyCmd(g *globals) *cobra.Command {
	var dsn, dialect, logFile string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check the hash chain of a stored audit trail",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				entries []audit.Entry
				source  string
			)
			switch {
			case dsn != "":
				db, err := audit.OpenSQL(audit.Dialect(dialect), dsn)
				if err != nil {
					return err
				}
				defer func() { _ = db.Close() }()
				sink, err := audit.NewSQLSink(cmd.Context(), db, audit.Dialect(dialect))
				if err != nil {
					return err
				}
				if entries, err = sink.Load(cmd.Context()); err != nil {
					return err
				}
				source = dialect
			case logFile != "":
				f, err := os.Open(logFile)
				if err != nil {
					return err
				}
				defer func() { _ = f.Close() }()
				if entries, err = audit.ReadLines(f); err != nil {
					return err
				}
				source = logFile
			default:
				return fmt.Errorf("one of --db or --log is required")
			}

			if err := audit.Verify(entries, audit.Genesis); err != nil {
				return failed("audit chain (%s): %w", source, err)
			}
			head := audit.Genesis
			if n := len(entries); n > 0 {
				head = entries[n-1].Hash
			}
			_, _ = fmt.Fprintf(g.stdout, "verified %d entries, head %s\n", len(entries), head)
			return nil
		},
	}
	cmd.Flags().StringVar(&dsn, "db", "", "Audit database DSN")
	cmd.Flags().StringVar(&dialect, "dialect", string(audit.SQLite), "Database dialect: sqlite or postgres")
	cmd.Flags().StringVar(&logFile, "log", "", "JSON lines audit log")
	return cmd
}
