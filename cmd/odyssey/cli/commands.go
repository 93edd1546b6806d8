// Package cli implements the creditctl operator commands.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/odyssey-erp/odyssey-credit/internal/creditnote"
	"github.com/odyssey-erp/odyssey-credit/internal/money"
	"github.com/odyssey-erp/odyssey-credit/internal/tax"
)

// ExitExceedsBalance is returned by check when the amount is not creditable.
const ExitExceedsBalance = 10

// ExitError carries a process exit code alongside the failure.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode maps a command error to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return 1
}

// Options configures the root command.
type Options struct {
	Stdout io.Writer
	Stderr io.Writer
	// RedisOpts is used by the jobs subcommands.
	RedisOpts asynq.RedisClientOpt
}

// NewRootCommand builds the creditctl command tree.
func NewRootCommand(opts Options) *cobra.Command {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	root := &cobra.Command{
		Use:           "creditctl",
		Short:         "Credit note and VAT operations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(opts.Stdout)
	root.SetErr(opts.Stderr)
	root.PersistentFlags().String("redis", opts.RedisOpts.Addr, "redis address for job commands")

	root.AddCommand(newVATCommand(), newCheckCommand(), newJobsCommand(opts))
	return root
}

type vatFlags struct {
	total    string
	rate     string
	currency string
	json     bool
}

func newVATCommand() *cobra.Command {
	var flags vatFlags
	cmd := &cobra.Command{
		Use:   "vat",
		Short: "Split a VAT-inclusive total into base and VAT",
		RunE: func(cmd *cobra.Command, _ []string) error {
			total, err := money.Parse(flags.total)
			if err != nil {
				return fmt.Errorf("vat: --total: %w", err)
			}
			rate, err := parseRate(flags.rate)
			if err != nil {
				return fmt.Errorf("vat: %w", err)
			}
			breakdown, err := tax.DecomposeVAT(total, rate)
			if err != nil {
				return fmt.Errorf("vat: %w", err)
			}
			if flags.json {
				return encodeJSON(cmd.OutOrStdout(), breakdown)
			}
			formatter, err := money.NewFormatter(flags.currency)
			if err != nil {
				return fmt.Errorf("vat: %w", err)
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "total: %s\n", formatter.Format(breakdown.Total))
			_, _ = fmt.Fprintf(out, "base:  %s\n", formatter.Format(breakdown.Base))
			_, _ = fmt.Fprintf(out, "vat:   %s (rate %s)\n", formatter.Format(breakdown.VAT), breakdown.Rate.String())
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.total, "total", "", "VAT-inclusive total")
	cmd.Flags().StringVar(&flags.rate, "rate", "", "VAT rate as a fraction, defaults to the standard rate")
	cmd.Flags().StringVar(&flags.currency, "currency", "SAR", "ISO 4217 currency used for display")
	cmd.Flags().BoolVar(&flags.json, "json", false, "print JSON")
	_ = cmd.MarkFlagRequired("total")
	return cmd
}

type checkFlags struct {
	invoiceTotal string
	issued       string
	amount       string
	rate         string
	json         bool
}

type checkOutput struct {
	Eligible  bool            `json:"eligible"`
	Available decimal.Decimal `json:"available"`
	Requested decimal.Decimal `json:"requested"`
	Breakdown *tax.Breakdown  `json:"breakdown,omitempty"`
}

func newCheckCommand() *cobra.Command {
	var flags checkFlags
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check whether an amount can be credited against an invoice",
		RunE: func(cmd *cobra.Command, _ []string) error {
			total, err := money.Parse(flags.invoiceTotal)
			if err != nil {
				return fmt.Errorf("check: --invoice-total: %w", err)
			}
			issued := decimal.Zero
			if flags.issued != "" {
				if issued, err = money.Parse(flags.issued); err != nil {
					return fmt.Errorf("check: --issued: %w", err)
				}
			}
			amount, err := money.Parse(flags.amount)
			if err != nil {
				return fmt.Errorf("check: --amount: %w", err)
			}
			rate, err := parseRate(flags.rate)
			if err != nil {
				return fmt.Errorf("check: %w", err)
			}

			result, err := creditnote.CheckEligibilityAtRate(total, issued, amount, rate)
			var balanceErr *creditnote.BalanceError
			switch {
			case errors.As(err, &balanceErr):
				out := checkOutput{Available: balanceErr.Available, Requested: balanceErr.Requested}
				if flags.json {
					if encErr := encodeJSON(cmd.OutOrStdout(), out); encErr != nil {
						return encErr
					}
				} else {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "not eligible: requested %s, available %s\n",
						out.Requested.StringFixed(money.Scale), out.Available.StringFixed(money.Scale))
				}
				return &ExitError{Code: ExitExceedsBalance, Err: err}
			case err != nil:
				return fmt.Errorf("check: %w", err)
			}

			out := checkOutput{
				Eligible:  true,
				Available: result.Available,
				Requested: result.Breakdown.Total,
				Breakdown: &result.Breakdown,
			}
			if flags.json {
				return encodeJSON(cmd.OutOrStdout(), out)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "eligible: base %s vat %s (available %s)\n",
				result.Breakdown.Base.StringFixed(money.Scale),
				result.Breakdown.VAT.StringFixed(money.Scale),
				result.Available.StringFixed(money.Scale))
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.invoiceTotal, "invoice-total", "", "invoice total including VAT")
	cmd.Flags().StringVar(&flags.issued, "issued", "", "sum of active credit notes, defaults to 0")
	cmd.Flags().StringVar(&flags.amount, "amount", "", "proposed credit amount including VAT")
	cmd.Flags().StringVar(&flags.rate, "rate", "", "VAT rate as a fraction, defaults to the standard rate")
	cmd.Flags().BoolVar(&flags.json, "json", false, "print JSON")
	_ = cmd.MarkFlagRequired("invoice-total")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func newJobsCommand(opts Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and trigger background jobs",
	}

	open := func(cmd *cobra.Command) (*JobsCLI, error) {
		redisOpts := opts.RedisOpts
		if addr, err := cmd.Flags().GetString("redis"); err == nil && addr != "" {
			redisOpts.Addr = addr
		}
		return NewJobsCLI(redisOpts)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "trigger <task>",
		Short: "Enqueue a job now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateJob(args[0]); err != nil {
				return err
			}
			jobsCLI, err := open(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = jobsCLI.Close() }()
			info, err := jobsCLI.Trigger(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("jobs trigger: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show queue statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			jobsCLI, err := open(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = jobsCLI.Close() }()
			stats, err := jobsCLI.InspectQueue(cmd.Context())
			if err != nil {
				return fmt.Errorf("jobs stats: %w", err)
			}
			return encodeJSON(cmd.OutOrStdout(), stats)
		},
	})

	var size int
	scheduled := &cobra.Command{
		Use:   "scheduled",
		Short: "List scheduled tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			jobsCLI, err := open(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = jobsCLI.Close() }()
			tasks, err := jobsCLI.ListScheduled(cmd.Context(), size)
			if err != nil {
				return fmt.Errorf("jobs scheduled: %w", err)
			}
			for _, task := range tasks {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", task.ID, task.Type, task.NextProcessAt.Format("2006-01-02T15:04:05Z07:00"))
			}
			return nil
		},
	}
	scheduled.Flags().IntVar(&size, "size", 10, "page size")
	cmd.AddCommand(scheduled)
	return cmd
}

func parseRate(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return tax.DefaultVATRate, nil
	}
	rate, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("--rate: %w", money.ErrNotNumeric)
	}
	if err := tax.ValidateRate(rate); err != nil {
		return decimal.Zero, fmt.Errorf("--rate: %w", err)
	}
	return rate, nil
}

func encodeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}
