// Command opsctl lets operators inspect and settle escalated compensations.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/punchamoorthee/transferops/internal/domain"
)

func main() {
	v := viper.New()
	v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:          "opsctl",
		Short:        "Operate the compensation queue of the transfer service",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("url", "http://localhost:8081", "transfer service base URL (TRANSFER_SERVICE_URL)")
	rootCmd.PersistentFlags().String("service-key", "", "service key (SERVICE_KEY)")
	rootCmd.PersistentFlags().Bool("json", false, "print raw JSON")
	_ = v.BindPFlag("TRANSFER_SERVICE_URL", rootCmd.PersistentFlags().Lookup("url"))
	_ = v.BindPFlag("SERVICE_KEY", rootCmd.PersistentFlags().Lookup("service-key"))
	_ = v.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))

	client := func() (*adminClient, error) {
		key := v.GetString("SERVICE_KEY")
		if key == "" {
			return nil, errors.New("a service key is required (--service-key or SERVICE_KEY)")
		}
		return newAdminClient(v.GetString("TRANSFER_SERVICE_URL"), key), nil
	}
	out := printer{w: os.Stdout, json: func() bool { return v.GetBool("json") }}

	rootCmd.AddCommand(listCmd(client, out))
	rootCmd.AddCommand(showCmd(client, out))
	rootCmd.AddCommand(resolveCmd(client, out))
	rootCmd.AddCommand(noteCmd(client, out))
	rootCmd.AddCommand(requeueCmd(client, out))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type clientFunc func() (*adminClient, error)

func listCmd(client clientFunc, out printer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List compensation records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client()
			if err != nil {
				return err
			}
			statuses, _ := cmd.Flags().GetStringSlice("status")
			recs, err := c.list(cmd.Context(), statuses)
			if err != nil {
				return err
			}
			return out.table(recs)
		},
	}
	cmd.Flags().StringSliceP("status", "s", nil, "filter by status (Pending, Processing, EscaladoManual, Resolved)")
	return cmd
}

func showCmd(client clientFunc, out printer) *cobra.Command {
	return &cobra.Command{
		Use:   "show [id]",
		Short: "Show one compensation record with its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRecord(cmd.Context(), client, out, func(ctx context.Context, c *adminClient) (*domain.CompensationPending, error) {
				return c.get(ctx, args[0])
			})
		},
	}
}

func resolveCmd(client clientFunc, out printer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve [id]",
		Short: "Mark a compensation as settled by hand",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			notes, _ := cmd.Flags().GetString("notes")
			return withRecord(cmd.Context(), client, out, func(ctx context.Context, c *adminClient) (*domain.CompensationPending, error) {
				return c.resolve(ctx, args[0], notes)
			})
		},
	}
	cmd.Flags().StringP("notes", "n", "", "resolution notes")
	return cmd
}

func noteCmd(client clientFunc, out printer) *cobra.Command {
	return &cobra.Command{
		Use:   "note [id] [text]",
		Short: "Append an operator note",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args[1:], " ")
			return withRecord(cmd.Context(), client, out, func(ctx context.Context, c *adminClient) (*domain.CompensationPending, error) {
				return c.note(ctx, args[0], text)
			})
		},
	}
}

func requeueCmd(client clientFunc, out printer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requeue [id]",
		Short: "Grant extra automatic attempts and hand the record back to the worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			extra, _ := cmd.Flags().GetInt("attempts")
			return withRecord(cmd.Context(), client, out, func(ctx context.Context, c *adminClient) (*domain.CompensationPending, error) {
				return c.requeue(ctx, args[0], extra)
			})
		},
	}
	cmd.Flags().IntP("attempts", "a", 3, "extra attempts to grant")
	return cmd
}

func withRecord(ctx context.Context, client clientFunc, out printer, fn func(context.Context, *adminClient) (*domain.CompensationPending, error)) error {
	c, err := client()
	if err != nil {
		return err
	}
	rec, err := fn(ctx, c)
	if err != nil {
		return err
	}
	return out.record(rec)
}

type printer struct {
	w    io.Writer
	json func() bool
}

const timeLayout = "2006-01-02 15:04:05"

func (p printer) table(recs []domain.CompensationPending) error {
	if p.json() {
		return p.writeJSON(recs)
	}
	if len(recs) == 0 {
		fmt.Fprintln(p.w, "No compensation records.")
		return nil
	}
	table := tablewriter.NewWriter(p.w)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"ID", "TRANSFER", "ACCOUNT", "AMOUNT", "STATUS", "ATTEMPTS", "CREATED"})
	for _, r := range recs {
		table.Append([]string{
			r.ID,
			r.TransferID,
			r.OriginAccountID,
			r.Amount.StringFixed(domain.MoneyPlaces),
			string(r.Status),
			strconv.Itoa(r.Attempts) + "/" + strconv.Itoa(r.MaxAttempts),
			r.CreatedAt.Format(timeLayout),
		})
	}
	table.Render()
	fmt.Fprintf(p.w, "(%d record%s)\n", len(recs), plural(len(recs)))
	return nil
}

func (p printer) record(r *domain.CompensationPending) error {
	if p.json() {
		return p.writeJSON(r)
	}
	fields := tablewriter.NewWriter(p.w)
	fields.SetAutoWrapText(false)
	fields.SetColumnAlignment([]int{tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_LEFT})
	fields.AppendBulk([][]string{
		{"ID", r.ID},
		{"Transfer", r.TransferID},
		{"Account", r.OriginAccountID},
		{"Amount", r.Amount.StringFixed(domain.MoneyPlaces)},
		{"Status", string(r.Status)},
		{"Attempts", strconv.Itoa(r.Attempts) + "/" + strconv.Itoa(r.MaxAttempts)},
		{"Created", r.CreatedAt.Format(timeLayout)},
	})
	if r.ResolvedAt != nil {
		fields.Append([]string{"Resolved", r.ResolvedAt.Format(timeLayout)})
	}
	fields.Render()

	if len(r.History) > 0 {
		history := tablewriter.NewWriter(p.w)
		history.SetAutoFormatHeaders(false)
		history.SetAutoWrapText(false)
		history.SetHeader([]string{"#", "HISTORY"})
		for i, h := range r.History {
			history.Append([]string{strconv.Itoa(i + 1), h})
		}
		history.Render()
	}
	if r.OperatorNotes != "" {
		fmt.Fprintf(p.w, "Notes:\n%s\n", r.OperatorNotes)
	}
	return nil
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

func (p printer) writeJSON(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
