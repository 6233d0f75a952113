package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/sitegen/internal/model"
	"github.com/sells-group/sitegen/internal/resilience"
	"github.com/sells-group/sitegen/internal/store"
)

var workflowsCmd = &cobra.Command{
	Use:   "workflows",
	Short: "Inspect workflow instances",
}

var workflowsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent workflow instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		siteID, _ := cmd.Flags().GetString("site")
		orgID, _ := cmd.Flags().GetString("org")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		list, err := st.ListInstances(ctx, model.InstanceFilter{
			SiteID: siteID,
			OrgID:  orgID,
			Status: model.Status(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "list workflows")
		}

		if len(list) == 0 {
			fmt.Println("No workflow instances found.")
			return nil
		}
		formatInstanceList(os.Stdout, list)
		return nil
	},
}

var workflowsShowCmd = &cobra.Command{
	Use:   "show <instance-id>",
	Short: "Show one workflow instance with its completed steps",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		inst, err := st.GetInstance(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "show workflow")
		}
		steps, err := st.ListSteps(ctx, inst.ID)
		if err != nil {
			return eris.Wrap(err, "show workflow steps")
		}

		return printJSON(struct {
			*model.Instance
			Steps []store.StepRecord `json:"steps"`
		}{inst, steps})
	},
}

var workflowsLogCmd = &cobra.Command{
	Use:   "log <instance-id>",
	Short: "Print the workflow log of one instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		limit, _ := cmd.Flags().GetInt("limit")
		entries, err := st.ListAudit(ctx, store.AuditFilter{InstanceID: args[0], Limit: limit})
		if err != nil {
			return eris.Wrap(err, "workflow log")
		}
		formatAuditLog(os.Stdout, entries)
		return nil
	},
}

var workflowsDLQCmd = &cobra.Command{
	Use:   "dlq",
	Short: "List dead-letter entries awaiting retry",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		limit, _ := cmd.Flags().GetInt("limit")
		entries, err := st.DequeueDLQ(ctx, resilience.DLQFilter{
			DueBefore: time.Now().AddDate(1, 0, 0),
			Limit:     limit,
		})
		if err != nil {
			return eris.Wrap(err, "list dlq")
		}
		formatDLQ(os.Stdout, entries)
		return nil
	},
}

func init() {
	workflowsListCmd.Flags().String("site", "", "filter by site id")
	workflowsListCmd.Flags().String("org", "", "filter by org id")
	workflowsListCmd.Flags().String("status", "", "filter by status (collecting, generating, uploading, published, error)")
	workflowsListCmd.Flags().Int("limit", 50, "max number of instances to display")

	workflowsLogCmd.Flags().Int("limit", 200, "max number of log entries")
	workflowsDLQCmd.Flags().Int("limit", 50, "max number of entries")

	workflowsCmd.AddCommand(workflowsListCmd)
	workflowsCmd.AddCommand(workflowsShowCmd)
	workflowsCmd.AddCommand(workflowsLogCmd)
	workflowsCmd.AddCommand(workflowsDLQCmd)
	rootCmd.AddCommand(workflowsCmd)
}

// openStore validates store config and opens a migrated store.
func openStore(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate("workflows"); err != nil {
		return nil, eris.Wrap(err, "config validation")
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "init store")
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// formatInstanceList writes a tabular list of instances to out.
func formatInstanceList(out io.Writer, list []model.Instance) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSITE\tBUSINESS\tSTATUS\tQUALITY\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t----\t--------\t------\t-------\t-------\t--------")

	for _, inst := range list {
		name := inst.Params.BusinessName
		if len(name) > 30 {
			name = name[:27] + "..."
		}
		quality := "-"
		if inst.Result != nil {
			quality = fmt.Sprintf("%.2f", inst.Result.Quality)
		}
		dur := "-"
		if inst.Status.Terminal() {
			dur = inst.UpdatedAt.Sub(inst.CreatedAt).Round(time.Second).String()
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(inst.ID),
			inst.Params.SiteID,
			name,
			inst.Status,
			quality,
			inst.CreatedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// formatAuditLog writes log entries oldest first, one per line, with
// metadata keys sorted.
func formatAuditLog(out io.Writer, entries []model.AuditEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, e := range entries {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			if k == "instance_id" {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)

		detail := ""
		for i, k := range keys {
			if i > 0 {
				detail += " "
			}
			detail += fmt.Sprintf("%s=%v", k, e.Metadata[k])
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", e.CreatedAt.Format("15:04:05.000"), e.Action, detail)
	}
	_ = w.Flush()
}

// formatDLQ writes dead-letter entries to out.
func formatDLQ(out io.Writer, entries []resilience.DLQEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "INSTANCE\tSITE\tTYPE\tSTEP\tRETRIES\tNEXT_RETRY")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			truncateID(e.InstanceID),
			e.SiteID,
			e.ErrorType,
			e.FailedStep,
			e.RetryCount,
			e.MaxRetries,
			e.NextRetryAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
