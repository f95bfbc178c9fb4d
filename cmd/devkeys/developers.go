package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/robotpdf/devkeys/internal/audit"
	"github.com/robotpdf/devkeys/internal/config"
	"github.com/robotpdf/devkeys/internal/credential"
	"github.com/robotpdf/devkeys/internal/developer"
	"github.com/robotpdf/devkeys/internal/lifecycle"
	"github.com/robotpdf/devkeys/internal/logging"
	"github.com/robotpdf/devkeys/internal/metering"
	"github.com/robotpdf/devkeys/internal/obfuscate"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"
)

// cliCaller is the lifecycle caller for every developers subcommand.
var cliCaller = lifecycle.AdminCaller(audit.ActorCLI)

// issuedOutput is the --json form of freshly issued credentials.
type issuedOutput struct {
	Developer *developer.Developer  `json:"developer,omitempty"`
	Limits    *developer.UsageLimit `json:"limits,omitempty"`
	APIKey    string                `json:"api_key"`
	APISecret string                `json:"api_secret"`
}

// For testing
var stdoutIsTerminal = func() bool { return term.IsTerminal(int(os.Stdout.Fd())) }

var developersCmd = &cobra.Command{
	Use:     "developers",
	Aliases: []string{"dev"},
	Short:   "Manage developers and their credentials",
	Long:    `Create, inspect, rotate and retire developer credentials directly against the database.`,
}

var developersCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a developer and print its credentials",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		in := lifecycle.CreateInput{}
		in.Name, _ = cmd.Flags().GetString("name")
		in.Email, _ = cmd.Flags().GetString("email")
		in.OwnerUserID, _ = cmd.Flags().GetString("owner")
		env, _ := cmd.Flags().GetString("environment")
		in.Environment = credential.Environment(env)
		in.MonthlyLimit = intFlag(cmd, "monthly-limit")
		in.RateLimitPerMinute = intFlag(cmd, "rate-limit")
		return withLifecycle(cmd, func(ctx context.Context, svc *lifecycle.Service) error {
			created, err := svc.Create(ctx, cliCaller, in)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), issuedOutput{
					Developer: &created.Developer,
					Limits:    &created.Limit,
					APIKey:    created.Credentials.APIKey,
					APISecret: created.Credentials.APISecret,
				})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Developer ID:  %s\n", created.Developer.ID)
			fmt.Fprintf(out, "Name:          %s\n", created.Developer.Name)
			fmt.Fprintf(out, "Monthly limit: %d\n", created.Limit.MonthlyLimit)
			fmt.Fprintf(out, "Rate limit:    %d/min\n", created.Limit.RateLimitPerMinute)
			printCredentials(cmd, created.Credentials)
			return nil
		})
	},
}

var developersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List developers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := lifecycle.ListOptions{}
		opts.OwnerUserID, _ = cmd.Flags().GetString("owner")
		opts.ActiveOnly, _ = cmd.Flags().GetBool("active")
		opts.Limit, _ = cmd.Flags().GetInt("limit")
		opts.Offset, _ = cmd.Flags().GetInt("offset")
		return withLifecycle(cmd, func(ctx context.Context, svc *lifecycle.Service) error {
			devs, err := svc.List(ctx, cliCaller, opts)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), devs)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tAPI KEY\tENV\tACTIVE\tOWNER\tCREATED")
			for _, d := range devs {
				owner := "-"
				if d.OwnerUserID != nil {
					owner = *d.OwnerUserID
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\t%s\n",
					d.ID, d.Name, obfuscate.APIKey(d.APIKey), d.Environment, d.IsActive, owner, d.CreatedAt.UTC().Format(time.DateOnly))
			}
			return w.Flush()
		})
	},
}

var developersShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a developer and its current usage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLifecycle(cmd, func(ctx context.Context, svc *lifecycle.Service) error {
			details, err := svc.Get(ctx, cliCaller, args[0])
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), details)
			}
			d := details.Developer
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Developer ID:  %s\n", d.ID)
			fmt.Fprintf(out, "Name:          %s\n", d.Name)
			if d.Email != "" {
				fmt.Fprintf(out, "Email:         %s\n", d.Email)
			}
			fmt.Fprintf(out, "API key:       %s\n", d.APIKey)
			fmt.Fprintf(out, "Environment:   %s\n", d.Environment)
			fmt.Fprintf(out, "Active:        %t\n", d.IsActive)
			if d.OwnerUserID != nil {
				fmt.Fprintf(out, "Owner:         %s\n", *d.OwnerUserID)
			}
			fmt.Fprintf(out, "Created:       %s\n", d.CreatedAt.UTC().Format(time.RFC3339))
			printUsage(out, details.Usage)
			return nil
		})
	},
}

var developersUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Change a developer's name, email or metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := lifecycle.UpdateInput{
			Name:  stringFlag(cmd, "name"),
			Email: stringFlag(cmd, "email"),
		}
		if cmd.Flags().Changed("metadata") {
			pairs, _ := cmd.Flags().GetStringToString("metadata")
			in.Metadata = pairs
		}
		return runUpdate(cmd, args[0], in)
	},
}

var developersDeactivateCmd = &cobra.Command{
	Use:   "deactivate <id>",
	Short: "Deactivate a developer; its credentials stop authenticating immediately",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		inactive := false
		return runUpdate(cmd, args[0], lifecycle.UpdateInput{IsActive: &inactive})
	},
}

var developersActivateCmd = &cobra.Command{
	Use:   "activate <id>",
	Short: "Reactivate a deactivated developer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		active := true
		return runUpdate(cmd, args[0], lifecycle.UpdateInput{IsActive: &active})
	},
}

var developersLimitsCmd = &cobra.Command{
	Use:   "limits <id>",
	Short: "Change a developer's monthly quota or per-minute rate limit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := lifecycle.LimitsInput{
			MonthlyLimit:       intFlag(cmd, "monthly-limit"),
			RateLimitPerMinute: intFlag(cmd, "rate-limit"),
		}
		return withLifecycle(cmd, func(ctx context.Context, svc *lifecycle.Service) error {
			limit, err := svc.UpdateLimits(ctx, cliCaller, args[0], in)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), limit)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Limits updated: %d calls/month, %d calls/min\n", limit.MonthlyLimit, limit.RateLimitPerMinute)
			return nil
		})
	},
}

var developersRegenerateCmd = &cobra.Command{
	Use:   "regenerate <id>",
	Short: "Issue a new secret; the previous secret stops working",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLifecycle(cmd, func(ctx context.Context, svc *lifecycle.Service) error {
			issued, err := svc.RegenerateSecret(ctx, cliCaller, args[0])
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), issuedOutput{APIKey: issued.APIKey, APISecret: issued.APISecret})
			}
			printCredentials(cmd, issued)
			return nil
		})
	},
}

var developersResetUsageCmd = &cobra.Command{
	Use:   "reset-usage <id>",
	Short: "Zero the developer's usage for the current month",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLifecycle(cmd, func(ctx context.Context, svc *lifecycle.Service) error {
			if err := svc.ResetMonthlyUsage(ctx, cliCaller, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Monthly usage reset for %s\n", args[0])
			return nil
		})
	},
}

var developersUsageCmd = &cobra.Command{
	Use:   "usage <id>",
	Short: "Show quota state and per-tool usage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tr, err := timeRangeFlags(cmd)
		if err != nil {
			return err
		}
		return withLifecycle(cmd, func(ctx context.Context, svc *lifecycle.Service) error {
			summary, err := svc.Usage(ctx, cliCaller, args[0], tr)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), summary)
			}
			printUsage(cmd.OutOrStdout(), summary)
			return nil
		})
	},
}

var developersLogsCmd = &cobra.Command{
	Use:   "logs <id>",
	Short: "Show usage log entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tr, err := timeRangeFlags(cmd)
		if err != nil {
			return err
		}
		filter := developer.UsageLogFilter{DeveloperIDs: []string{args[0]}, From: tr.From, To: tr.To}
		filter.ToolName, _ = cmd.Flags().GetString("tool")
		filter.Limit, _ = cmd.Flags().GetInt("limit")
		filter.Offset, _ = cmd.Flags().GetInt("offset")
		return withLifecycle(cmd, func(ctx context.Context, svc *lifecycle.Service) error {
			entries, err := svc.Logs(ctx, cliCaller, filter)
			if err != nil {
				return err
			}
			if jsonOutput(cmd) {
				return printJSON(cmd.OutOrStdout(), entries)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TOOL\tOUTCOME\tCOUNT\tFIRST\tLAST")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", e.ToolName, e.Outcome, e.UsageCount,
					e.CreatedAt.UTC().Format(time.RFC3339), e.LastUsedAt.UTC().Format(time.RFC3339))
			}
			return w.Flush()
		})
	},
}

var developersDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a developer with its limits and usage log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return fmt.Errorf("refusing to delete %s without --yes", args[0])
		}
		return withLifecycle(cmd, func(ctx context.Context, svc *lifecycle.Service) error {
			if err := svc.Delete(ctx, cliCaller, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted developer %s\n", args[0])
			return nil
		})
	},
}

func init() {
	developersCmd.PersistentFlags().Bool("json", false, "Output as JSON")
	developersCmd.PersistentFlags().Bool("verbose", false, "Write service logs to stderr")

	developersCreateCmd.Flags().String("name", "", "Developer name (required)")
	developersCreateCmd.Flags().String("email", "", "Contact email")
	developersCreateCmd.Flags().String("owner", "", "End-user id that owns the developer")
	developersCreateCmd.Flags().String("environment", "", "Credential environment: live or test (default from DEFAULT_KEY_ENVIRONMENT)")
	developersCreateCmd.Flags().Int("monthly-limit", 0, "Monthly call quota (default from DEFAULT_MONTHLY_LIMIT)")
	developersCreateCmd.Flags().Int("rate-limit", 0, "Calls per minute (default from DEFAULT_RATE_LIMIT_PER_MINUTE)")
	_ = developersCreateCmd.MarkFlagRequired("name")

	developersListCmd.Flags().String("owner", "", "Only developers owned by this end-user id")
	developersListCmd.Flags().Bool("active", false, "Only active developers")
	developersListCmd.Flags().Int("limit", 0, "Maximum rows (0 for all)")
	developersListCmd.Flags().Int("offset", 0, "Rows to skip")

	developersUpdateCmd.Flags().String("name", "", "New name")
	developersUpdateCmd.Flags().String("email", "", "New contact email")
	developersUpdateCmd.Flags().StringToString("metadata", nil, "Replace metadata, e.g. --metadata plan=pro,team=ocr")

	developersLimitsCmd.Flags().Int("monthly-limit", 0, "Monthly call quota")
	developersLimitsCmd.Flags().Int("rate-limit", 0, "Calls per minute")

	for _, c := range []*cobra.Command{developersUsageCmd, developersLogsCmd} {
		c.Flags().String("from", "", "Range start, RFC 3339 or YYYY-MM-DD (default: start of month)")
		c.Flags().String("to", "", "Range end, exclusive (default: start of next month)")
	}
	developersLogsCmd.Flags().String("tool", "", "Only entries for this tool")
	developersLogsCmd.Flags().Int("limit", 100, "Maximum rows")
	developersLogsCmd.Flags().Int("offset", 0, "Rows to skip")

	developersDeleteCmd.Flags().Bool("yes", false, "Confirm deletion")

	developersCmd.AddCommand(
		developersCreateCmd,
		developersListCmd,
		developersShowCmd,
		developersUpdateCmd,
		developersDeactivateCmd,
		developersActivateCmd,
		developersLimitsCmd,
		developersRegenerateCmd,
		developersResetUsageCmd,
		developersUsageCmd,
		developersLogsCmd,
		developersDeleteCmd,
	)
}

// withLifecycle loads the configuration without requiring a management token,
// builds the service against the configured database and runs fn.
func withLifecycle(cmd *cobra.Command, fn func(context.Context, *lifecycle.Service) error) error {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := zap.NewNop()
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		if logger, err = logging.NewLoggerWithOptions(logging.Options{Level: cfg.LogLevel, Format: "console", Output: cmd.ErrOrStderr(), Service: "devkeys"}); err != nil {
			return err
		}
	}
	a, err := buildApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			cmd.PrintErrf("Warning: %v\n", err)
		}
	}()
	return fn(cmd.Context(), a.lifecycle)
}

func runUpdate(cmd *cobra.Command, id string, in lifecycle.UpdateInput) error {
	return withLifecycle(cmd, func(ctx context.Context, svc *lifecycle.Service) error {
		dev, err := svc.Update(ctx, cliCaller, id, in)
		if err != nil {
			return err
		}
		if jsonOutput(cmd) {
			return printJSON(cmd.OutOrStdout(), dev)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Updated developer %s (active: %t)\n", dev.ID, dev.IsActive)
		return nil
	})
}

// printCredentials writes the one-time credentials with a storage warning.
// The warning goes to stderr so that piping stdout captures only the values.
func printCredentials(cmd *cobra.Command, issued developer.IssuedCredentials) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "API key:       %s\n", issued.APIKey)
	fmt.Fprintf(out, "API secret:    %s\n", issued.APISecret)
	cmd.PrintErrln("Store the API secret now. It cannot be retrieved again.")
	if !stdoutIsTerminal() {
		cmd.PrintErrln("Warning: the API secret was written to a non-terminal output.")
	}
}

func printUsage(out io.Writer, s metering.UsageSummary) {
	fmt.Fprintf(out, "Month:         %s\n", s.CurrentMonth)
	fmt.Fprintf(out, "Used:          %d of %d (%d remaining)\n", s.CurrentMonthUsed, s.MonthlyLimit, s.Remaining)
	fmt.Fprintf(out, "Rate:          %d/min (%d remaining this minute)\n", s.RateLimitPerMinute, s.RateRemaining)
	if len(s.PerTool) == 0 {
		return
	}
	fmt.Fprintf(out, "Tools (%s to %s):\n", s.From.Format(time.DateOnly), s.To.Format(time.DateOnly))
	for _, t := range s.PerTool {
		fmt.Fprintf(out, "  %-20s %d\n", t.ToolName, t.UsageCount)
	}
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func jsonOutput(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

// intFlag returns nil unless the flag was given on the command line.
func intFlag(cmd *cobra.Command, name string) *int {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, _ := cmd.Flags().GetInt(name)
	return &v
}

func stringFlag(cmd *cobra.Command, name string) *string {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	v, _ := cmd.Flags().GetString(name)
	return &v
}

func timeRangeFlags(cmd *cobra.Command) (metering.TimeRange, error) {
	var tr metering.TimeRange
	for _, f := range []struct {
		name string
		dst  *time.Time
	}{{"from", &tr.From}, {"to", &tr.To}} {
		v, _ := cmd.Flags().GetString(f.name)
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			if t, err = time.Parse(time.DateOnly, v); err != nil {
				return tr, fmt.Errorf("--%s: expected RFC 3339 timestamp or YYYY-MM-DD date", f.name)
			}
		}
		*f.dst = t.UTC()
	}
	return tr, nil
}
