package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sndnv/stasis-sub004/internal/app"
	"github.com/sndnv/stasis-sub004/internal/config"
	"github.com/sndnv/stasis-sub004/internal/model"
	"github.com/sndnv/stasis-sub004/internal/stasis"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates a StasisApp. The caller must defer a.Close().
func newApp(cmd *cobra.Command) (*app.StasisApp, error) {
	defaults := app.GetDefaults()

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	verbose, _ := cmd.Flags().GetBool("verbose")
	a, err := app.NewStasisApp(cmd.Context(), cfg, app.Options{Verbose: verbose})
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// newUnlockedApp creates a StasisApp and unlocks its device secret.
func newUnlockedApp(cmd *cobra.Command) (*app.StasisApp, error) {
	a, err := newApp(cmd)
	if err != nil {
		return nil, err
	}

	passphrase, err := readPassphrase("Passphrase: ")
	if err != nil {
		a.Close()
		return nil, err
	}
	if err := a.Unlock(passphrase); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// readPassphrase prompts on the terminal without echo, or reads a single line
// when stdin is not a terminal.
func readPassphrase(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("reading passphrase: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	fmt.Fprint(os.Stderr, prompt)
	data, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(data), nil
}

var rootCmd = &cobra.Command{
	Use:          "stasis",
	Short:        "Backup and recovery client",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults := app.GetDefaults()

		deviceID := uuid.New().String()
		cfg := config.NewConfig(deviceID, defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Device ID: %s\n", deviceID)
		fmt.Printf("Base Dir:  %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults := app.GetDefaults()

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Device ID:   %s\n", cfg.DeviceID)
		fmt.Printf("Base Dir:    %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:     %s\n", cfg.LogDir)
		fmt.Printf("Crates:      %s\n", cfg.Crates.Type)
		fmt.Printf("Database:    %s\n", cfg.Database.Type)
		fmt.Printf("Compression: %s\n", cfg.Compression.Default)
		fmt.Printf("Checksum:    %s\n", cfg.Backup.Checksum)
		fmt.Printf("Rules:       %s\n", cfg.Backup.RulesPath)
		return nil
	},
}

// secret command
var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage the device secret",
}

var secretInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a new device secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		passphrase, err := readPassphrase("New passphrase: ")
		if err != nil {
			return err
		}
		if passphrase == "" {
			return errors.New("passphrase must not be empty")
		}
		if err := a.InitSecret(passphrase); err != nil {
			return err
		}

		fmt.Println("Device secret initialized.")
		return nil
	},
}

var secretPassphraseCmd = &cobra.Command{
	Use:   "passphrase",
	Short: "Change the device secret passphrase",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		current, err := readPassphrase("Current passphrase: ")
		if err != nil {
			return err
		}
		updated, err := readPassphrase("New passphrase: ")
		if err != nil {
			return err
		}
		if updated == "" {
			return errors.New("passphrase must not be empty")
		}
		if err := a.ChangePassphrase(current, updated); err != nil {
			return err
		}

		fmt.Println("Passphrase changed.")
		return nil
	},
}

// definition command
var definitionCmd = &cobra.Command{
	Use:   "definition",
	Short: "Manage dataset definitions",
}

var definitionCreateCmd = &cobra.Command{
	Use:   "create INFO",
	Short: "Create a dataset definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		copies, _ := cmd.Flags().GetInt("copies")
		keepExisting, _ := cmd.Flags().GetDuration("keep-existing")
		keepRemoved, _ := cmd.Flags().GetDuration("keep-removed")

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		d, err := a.CreateDefinition(cmd.Context(), args[0], copies,
			model.Retention{Policy: model.RetentionAll, Duration: keepExisting},
			model.Retention{Policy: model.RetentionLatestOnly, Duration: keepRemoved},
		)
		if err != nil {
			return err
		}

		fmt.Printf("Definition created: %s\n", d.ID)
		return nil
	},
}

var definitionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dataset definitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		definitions, err := a.Definitions(cmd.Context())
		if err != nil {
			return err
		}
		if len(definitions) == 0 {
			fmt.Println("No dataset definitions.")
			return nil
		}

		for _, d := range definitions {
			fmt.Printf("%s  %s  copies:%d  %s\n",
				d.ID, d.Created.Format("2006-01-02 15:04:05"), d.RedundantCopies, d.Info)
		}
		return nil
	},
}

var definitionEntriesCmd = &cobra.Command{
	Use:   "entries DEFINITION",
	Short: "List the backups of a dataset definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		definition, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("parsing definition id: %w", err)
		}

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.Entries(cmd.Context(), definition)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No backups.")
			return nil
		}

		for _, e := range entries {
			fmt.Printf("%s  %s  crates:%d\n", e.ID, e.Created.Format("2006-01-02 15:04:05"), len(e.Data))
		}
		return nil
	},
}

// rules command
var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect backup rules",
}

var rulesCheckCmd = &cobra.Command{
	Use:   "check [DEFINITION]",
	Short: "Show what the configured rules include",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var definition *uuid.UUID
		if len(args) == 1 {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("parsing definition id: %w", err)
			}
			definition = &id
		}

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		spec, err := a.CheckRules(cmd.Context(), definition)
		if err != nil {
			return err
		}

		for _, path := range spec.Included() {
			fmt.Printf("+ %s\n", path)
		}
		for _, path := range spec.Excluded() {
			fmt.Printf("- %s\n", path)
		}
		for _, u := range spec.Unmatched {
			fmt.Printf("! %s: %v\n", u.Rule, u.Err)
		}
		return nil
	},
}

// backup command
var backupCmd = &cobra.Command{
	Use:   "backup DEFINITION [PATH...]",
	Short: "Back up the given paths, or everything the rules include",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		definition, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("parsing definition id: %w", err)
		}

		var paths []string
		for _, p := range args[1:] {
			abs, err := filepath.Abs(p)
			if err != nil {
				return fmt.Errorf("resolving path: %w", err)
			}
			paths = append(paths, abs)
		}

		a, err := newUnlockedApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.Backup(cmd.Context(), definition, paths)
		if err != nil {
			return err
		}

		for _, u := range result.Unmatched {
			fmt.Printf("Unmatched rule %s: %v\n", u.Rule, u.Err)
		}
		fmt.Printf("Backup %s complete: %d entities, %d with new content\n",
			result.Entry, len(result.Metadata.Filesystem.Entities), len(result.Metadata.ContentChanged))
		return nil
	},
}

// recover command
var recoverCmd = &cobra.Command{
	Use:   "recover DEFINITION [PATTERN...]",
	Short: "Recover files from a backup",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		definition, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("parsing definition id: %w", err)
		}

		request := stasis.RecoveryRequest{Definition: definition}

		if raw, _ := cmd.Flags().GetString("entry"); raw != "" {
			entry, err := uuid.Parse(raw)
			if err != nil {
				return fmt.Errorf("parsing entry id: %w", err)
			}
			request.Entry = &entry
		}
		if raw, _ := cmd.Flags().GetString("until"); raw != "" {
			until, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return fmt.Errorf("parsing until: %w", err)
			}
			request.Until = &until
		}
		if dir, _ := cmd.Flags().GetString("destination"); dir != "" {
			abs, err := filepath.Abs(dir)
			if err != nil {
				return fmt.Errorf("resolving destination: %w", err)
			}
			keep, _ := cmd.Flags().GetBool("keep-structure")
			request.Destination = model.Destination{Directory: abs, KeepDefaultStructure: keep}
		}
		if patterns := args[1:]; len(patterns) > 0 {
			request.Keep = func(path string, _ model.EntityState) bool {
				for _, p := range patterns {
					if ok, _ := filepath.Match(p, path); ok || strings.HasPrefix(path, p) {
						return true
					}
				}
				return false
			}
		}

		a, err := newUnlockedApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.Recover(cmd.Context(), request)
		if err != nil {
			return err
		}

		for _, f := range result.Failures {
			fmt.Printf("Failed: %s: %v\n", f.Path, f.Err)
		}
		fmt.Printf("Recovered %d entities from %s\n", len(result.Recovered), result.Entry)
		if len(result.Failures) > 0 {
			return fmt.Errorf("%d entities could not be recovered", len(result.Failures))
		}
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View operation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ops, err := a.History(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}

		for _, op := range ops {
			status := "running"
			duration := ""
			if op.Completed != nil {
				status = "success"
				duration = op.Completed.Sub(op.Started).Truncate(time.Millisecond).String()
			}
			if op.Failure != "" {
				status = "error"
			}
			fmt.Printf("%s  %-8s  %s  %-7s  %6d events  %s\n",
				op.ID,
				op.Kind,
				op.Started.Format("2006-01-02 15:04:05"),
				status,
				op.Events,
				duration,
			)
		}
		return nil
	},
}

// watch command
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Monitor the server and process commands until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newUnlockedApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Watch(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log debug messages to stderr")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)

	// secret subcommands
	secretCmd.AddCommand(secretInitCmd)
	secretCmd.AddCommand(secretPassphraseCmd)

	// definition subcommands
	definitionCmd.AddCommand(definitionCreateCmd)
	definitionCreateCmd.Flags().Int("copies", 1, "Number of redundant copies of each crate")
	definitionCreateCmd.Flags().Duration("keep-existing", 30*24*time.Hour, "How long versions of existing files are kept")
	definitionCreateCmd.Flags().Duration("keep-removed", 365*24*time.Hour, "How long the latest version of removed files is kept")
	definitionCmd.AddCommand(definitionListCmd)
	definitionCmd.AddCommand(definitionEntriesCmd)

	// rules subcommands
	rulesCmd.AddCommand(rulesCheckCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(secretCmd)
	rootCmd.AddCommand(definitionCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(recoverCmd)
	recoverCmd.Flags().String("entry", "", "Recover from a specific backup entry")
	recoverCmd.Flags().String("until", "", "Recover the latest backup created before this RFC 3339 time")
	recoverCmd.Flags().StringP("destination", "d", "", "Recover into this directory instead of the original paths")
	recoverCmd.Flags().Bool("keep-structure", true, "Keep the original directory structure below the destination")
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")
	rootCmd.AddCommand(watchCmd)
}
