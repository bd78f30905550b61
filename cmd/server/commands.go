package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dshills/codemechanic/internal/executor"
	"github.com/dshills/codemechanic/internal/llm"
	"github.com/dshills/codemechanic/internal/validator"
)

// runApply applies a payload from a file or stdin, or prints its plan.
func runApply(cmd *cobra.Command, args []string) error {
	rawID, _ := cmd.Flags().GetString("project")
	file, _ := cmd.Flags().GetString("file")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	projectID, err := uuid.Parse(rawID)
	if err != nil {
		return fmt.Errorf("invalid project ID %q: %w", rawID, err)
	}

	var raw []byte
	if file == "-" {
		raw, err = io.ReadAll(cmd.InOrStdin())
	} else {
		raw, err = os.ReadFile(file)
	}
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := cmd.Context()
	repo, closeDB, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	val, err := validator.New()
	if err != nil {
		return fmt.Errorf("init validator: %w", err)
	}
	exec := executor.New(repo, val, executor.Options{
		Limits:     cfg.Limits(),
		RunTimeout: cfg.Executor.RunTimeout,
		Logger:     logger,
	})

	payload, err := exec.Parse(string(raw))
	if err != nil {
		return err
	}

	out := json.NewEncoder(cmd.OutOrStdout())
	out.SetIndent("", "  ")
	if dryRun {
		plan, err := exec.DryRun(ctx, projectID, payload)
		if err != nil {
			return err
		}
		return out.Encode(plan)
	}

	sess, err := exec.Execute(ctx, projectID, "cli apply", payload)
	if sess == nil {
		return err
	}
	logs, logErr := repo.ListLogs(ctx, sess.ID, 0)
	if logErr != nil {
		return errors.Join(err, logErr)
	}
	for _, l := range logs {
		fmt.Fprintf(cmd.OutOrStdout(), "%3d  %-7s  %s\n", l.Seq, l.Level, l.Message)
	}
	if encErr := out.Encode(sess); encErr != nil {
		return errors.Join(err, encErr)
	}
	return err
}

// runModels prints every provider the factory could reach.
func runModels(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	factory := llm.NewFactory(cmd.Context(), cfg.FactoryConfig(), logger)
	if !factory.Available() {
		return fmt.Errorf("no LLM provider configured")
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tMODEL\tNAME\tDEFAULT")
	for _, p := range factory.ListProviders() {
		for _, m := range p.Models {
			def := ""
			if p.ID == factory.DefaultProvider() && m.ID == factory.DefaultModel() {
				def = "*"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.ID, m.ID, m.Name, def)
		}
	}
	return w.Flush()
}
