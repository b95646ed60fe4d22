package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/phenorank/internal/model"
	"github.com/sells-group/phenorank/internal/store"
)

var casesCmd = &cobra.Command{
	Use:   "cases",
	Short: "Inspect the case ledger",
	Long:  "Commands for listing cases and viewing their stage-transition trace.",
}

// -- cases list --

var casesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cases",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		cases, err := st.ListCases(ctx, store.CaseFilter{
			Status: model.CaseStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "cases list")
		}

		if len(cases) == 0 {
			fmt.Fprintln(os.Stderr, "No cases found.")
			return nil
		}

		formatCasesList(os.Stdout, cases)
		return nil
	},
}

// -- cases show --

var casesShowCmd = &cobra.Command{
	Use:   "show <case-id>",
	Short: "Show a case and its transition trace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		c, err := st.GetCase(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "cases show")
		}

		if trace, _ := cmd.Flags().GetBool("trace"); trace {
			formatTrace(os.Stdout, c.Transitions)
			return nil
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(c)
	},
}

func init() {
	casesListCmd.Flags().String("status", "", "filter by case status (pending, succeeded, failed)")
	casesListCmd.Flags().Int("limit", 50, "max number of cases to display")

	casesShowCmd.Flags().Bool("trace", false, "print only the transition trace as a table")

	casesCmd.AddCommand(casesListCmd)
	casesCmd.AddCommand(casesShowCmd)
	rootCmd.AddCommand(casesCmd)
}

// formatCasesList writes a tabular list of cases to w.
func formatCasesList(out io.Writer, cases []model.PatientCase) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tSTAGE\tFAILED_AT\tERROR_KIND\tUPDATED")
	_, _ = fmt.Fprintln(w, "--\t------\t-----\t---------\t----------\t-------")

	for _, c := range cases {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			c.ID,
			c.Status,
			c.Stage,
			orDash(string(c.FailedStage)),
			orDash(c.ErrorKind),
			c.UpdatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// formatTrace writes one row per stage transition to w.
func formatTrace(out io.Writer, trace []model.Transition) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "AT\tFROM\tTO\tATTEMPT\tDURATION\tERROR_KIND\tARTIFACT")

	for _, t := range trace {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			t.At.Format("15:04:05.000"),
			t.From,
			t.To,
			t.Attempt,
			(time.Duration(t.DurationMs) * time.Millisecond).String(),
			orDash(t.ErrorKind),
			orDash(t.Artifact),
		)
	}
	_ = w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
