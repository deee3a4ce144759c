// Package main is the entry point for the hexaflow binary.
// It validates and runs batches of file-declared pipelines and prints the
// persisted audit trail.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/polisai/hexaflow/pkg/config"
	"github.com/polisai/hexaflow/pkg/domain"
	"github.com/polisai/hexaflow/pkg/engine"
	"github.com/polisai/hexaflow/pkg/logging"
	"github.com/polisai/hexaflow/pkg/stage"
	"github.com/polisai/hexaflow/pkg/storage"
)

const defaultLogLevel = "info"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for hexaflow.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "hexaflow",
		Short: "Run six-stage data pipelines in dependency order",
		Long: `hexaflow runs pipelines made of feed, filter, format, function, forward
and feedback stages. Each pipeline identity runs at most once at a time,
every stage transition is audited, and failures after a non-idempotent
stage roll the run context back.

Example:
  hexaflow validate -f pipelines.yaml
  hexaflow run -f pipelines.yaml --db hexaflow.db
  hexaflow audit --db hexaflow.db orders`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (debug, info, warn, error); overrides the file")
	rootCmd.PersistentFlags().String("log-format", "", "Log format (text, json); overrides the file")

	rootCmd.AddCommand(newValidateCmd(), newRunCmd(), newAuditCmd())
	return rootCmd
}

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check pipeline definitions and print the execution order",
		Args:  cobra.NoArgs,
		RunE:  runValidate,
	}
	cmd.Flags().StringP("file", "f", "", "Path to the pipelines file (YAML or JSON)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit <pipeline-id>",
		Short: "Print the persisted audit trail of a pipeline",
		Args:  cobra.ExactArgs(1),
		RunE:  runAudit,
	}
	cmd.Flags().String("db", "", "Path to the SQLite database written by run")
	cmd.Flags().String("run", "", "Only print entries of this run ID")
	_ = cmd.MarkFlagRequired("db")
	return cmd
}

// loadConfig reads the pipelines file and applies the persistent logging flags.
func loadConfig(cmd *cobra.Command, path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if format, _ := cmd.Flags().GetString("log-format"); format != "" {
		cfg.Logging.Format = format
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command, cfg config.LoggingConfig) *slog.Logger {
	return logging.NewLogger(logging.Config{
		Level:  cfg.Level,
		Format: cfg.Format,
		Pretty: cfg.Pretty,
		Output: cmd.ErrOrStderr(),
	})
}

// bindAll binds every definition against reg, in declaration order.
func bindAll(reg *stage.Registry, defs []domain.PipelineDefinition) ([]*stage.Instance, error) {
	insts := make([]*stage.Instance, 0, len(defs))
	for _, def := range defs {
		inst, err := reg.Bind(def)
		if err != nil {
			return nil, err
		}
		insts = append(insts, inst)
	}
	return insts, nil
}

func runValidate(cmd *cobra.Command, _ []string) error {
	path, err := cmd.Flags().GetString("file")
	if err != nil {
		return fmt.Errorf("failed to get file flag: %w", err)
	}
	cfg, err := loadConfig(cmd, path)
	if err != nil {
		return err
	}
	defs, err := cfg.Definitions()
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg.Logging)
	insts, err := bindAll(builtinRegistry(storage.NewMemoryStore(), logger), defs)
	if err != nil {
		return err
	}

	_, order, err := engine.Plan(insts)
	if err != nil {
		var cycle *domain.CycleError
		if errors.As(err, &cycle) {
			return fmt.Errorf("dependency cycle: %s", joinIDs(cycle.Path, " -> "))
		}
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%d pipelines valid\n", len(insts))
	fmt.Fprintf(out, "order: %s\n", joinIDs(order, " -> "))
	return nil
}

func runAudit(cmd *cobra.Command, args []string) error {
	dbPath, err := cmd.Flags().GetString("db")
	if err != nil {
		return fmt.Errorf("failed to get db flag: %w", err)
	}
	runID, err := cmd.Flags().GetString("run")
	if err != nil {
		return fmt.Errorf("failed to get run flag: %w", err)
	}
	id := domain.PipelineID(args[0])
	if err := id.Validate(); err != nil {
		return err
	}

	logger := newLogger(cmd, config.LoggingConfig{Level: defaultLogLevel})
	store, err := storage.OpenSQLite(dbPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.AuditEntries(cmd.Context(), id)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tRUN\tSTAGE\tKIND\tOUTCOME\tDURATION\tERROR")
	printed := 0
	for _, e := range entries {
		if runID != "" && e.RunID != runID {
			continue
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Seq, e.RunID, e.Stage, e.Kind, e.Outcome, e.Duration(), e.Error)
		printed++
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if printed == 0 {
		return fmt.Errorf("no audit entries for %q", id)
	}
	return nil
}

func joinIDs(ids []domain.PipelineID, sep string) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, sep)
}
