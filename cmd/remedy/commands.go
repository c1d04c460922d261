package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/remedy/internal/config"
	"github.com/kalambet/remedy/internal/engine"
	"github.com/kalambet/remedy/internal/memory"
	"github.com/kalambet/remedy/internal/skill"
)

// --- run ---

var runCmd = &cobra.Command{
	Use:   "run <skill.yaml>",
	Short: "Execute a skill locally and wait for it to finish",
	Long: `Execute a skill locally and wait for it to finish.

The run uses the same remedy memory as the server, so fixes learned here
are recalled everywhere.

Examples:
  remedy run deploy.yaml
  remedy run deploy.yaml --arg env=staging --arg version=1.4.2`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kvArgs, _ := cmd.Flags().GetStringArray("arg")

		initialArgs, err := parseKVArgs(kvArgs)
		if err != nil {
			return err
		}

		def, err := skill.Load(args[0])
		if err != nil {
			return err
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg.Log.Level)

		rt, err := buildRuntime(cfg)
		if err != nil {
			return err
		}
		defer rt.close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		printStep("Running skill %s (%d steps)", def.ID, len(def.Steps))
		run, err := rt.runner.Run(ctx, def, initialArgs)
		if err != nil {
			return err
		}

		snap := run.Snapshot()
		printRunResult(snap)
		if snap.Status != engine.StatusSucceeded {
			return fmt.Errorf("run %s ended %s", snap.RunID, snap.Status)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringArray("arg", nil, "initial run argument as key=value (repeatable)")
}

// parseKVArgs turns repeated key=value flags into the initial argument map.
func parseKVArgs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	args := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --arg %q, expected key=value", pair)
		}
		args[key] = value
	}
	return args, nil
}

func printRunResult(snap engine.Snapshot) {
	for _, res := range snap.Results {
		switch res.Status {
		case engine.StepSucceeded:
			printSuccess("%s (%d attempt(s))", res.StepID, res.Attempts)
		case engine.StepSkipped:
			printWarning("%s skipped: %s", res.StepID, stepErrorLabel(res))
		default:
			printError("%s failed: %s", res.StepID, stepErrorLabel(res))
		}
	}
	printStatus("Run", "%s", snap.RunID)
	printStatus("Status", "%s", snap.Status)
}

func stepErrorLabel(res engine.StepResult) string {
	if res.Error == nil {
		return "unknown"
	}
	return fmt.Sprintf("[%s] %s", res.Error.Kind, res.Error.Normalized)
}

// --- validate ---

var validateCmd = &cobra.Command{
	Use:   "validate <skill.yaml>",
	Short: "Validate a skill definition without running it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		def, err := skill.Load(args[0])
		if err != nil {
			return err
		}
		printSuccess("%s is valid (%d steps)", def.ID, len(def.Steps))
		return nil
	},
}

// --- runs ---

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List runs on the server, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/runs")
		if err != nil {
			return err
		}

		var runs []engine.Snapshot
		if err := decodeJSON(resp, &runs); err != nil {
			return err
		}

		if len(runs) == 0 {
			fmt.Println("No runs found.")
			return nil
		}
		for _, r := range runs {
			fmt.Printf("%s  %-18s %-16s %d steps\n",
				colorize(colorCyan, shortID(r.RunID)),
				r.SkillID,
				string(r.Status),
				len(r.Results),
			)
		}
		return nil
	},
}

// --- cancel ---

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Request cancellation of a running skill",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/runs/"+args[0]+"/cancel", nil)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Cancellation requested for run %s", args[0])
		return nil
	},
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the learning log: per-attempt outcomes across all runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/history?limit=%d", limit))
		if err != nil {
			return err
		}

		var entries []memory.Entry
		if err := decodeJSON(resp, &entries); err != nil {
			return err
		}

		if len(entries) == 0 {
			fmt.Println("No history found.")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s  %-18s %-14s %-10s %s\n",
				e.At.Format(time.DateTime),
				e.Tool,
				e.StepID,
				e.Status,
				e.Verdict,
			)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().Int("limit", 50, "maximum number of entries")
}

// --- remedies ---

var remediesCmd = &cobra.Command{
	Use:   "remedies",
	Short: "List cached remedies and their success record",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/remedies?limit=%d", limit))
		if err != nil {
			return err
		}

		var records []memory.Record
		if err := decodeJSON(resp, &records); err != nil {
			return err
		}

		if len(records) == 0 {
			fmt.Println("No remedies cached yet.")
			return nil
		}
		for _, r := range records {
			fmt.Printf("%s  %-24s %s\n",
				colorize(colorCyan, shortID(r.Signature)),
				r.RemedyAction,
				fmt.Sprintf("%d✓ %d✗", r.SuccessCount, r.FailureCount),
			)
		}
		return nil
	},
}

func init() {
	remediesCmd.Flags().Int("limit", 50, "maximum number of records")
}

// --- reindex ---

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the signature similarity index from the remedy memory",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		store, err := memory.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
		defer cancel()

		n, err := memory.NewVectorIndex(store.DB()).Reindex(ctx)
		if err != nil {
			return fmt.Errorf("reindexing: %w", err)
		}

		printSuccess("Indexed %d signatures", n)
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
