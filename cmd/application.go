package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/jobly/internal/model"
	"github.com/sells-group/jobly/internal/store"
)

var applicationCmd = &cobra.Command{
	Use:     "application",
	Aliases: []string{"app"},
	Short:   "Manage tracked job applications",
}

// -- application add --

var applicationAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Track a new job application",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		id, _ := cmd.Flags().GetString("id")
		jobURL, _ := cmd.Flags().GetString("job-url")
		packetID, _ := cmd.Flags().GetString("packet-id")
		title, _ := cmd.Flags().GetString("title")
		company, _ := cmd.Flags().GetString("company")

		app := newApplication(id, jobURL, packetID, title, company, time.Now().UTC())
		if err := st.CreateApplication(ctx, app); err != nil {
			return eris.Wrap(err, "application add")
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(app)
	},
}

// -- application list --

var applicationListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked applications",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		apps, err := st.ListApplications(ctx, store.ApplicationFilter{
			Status: model.ApplicationStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "application list")
		}

		if len(apps) == 0 {
			fmt.Fprintln(os.Stderr, "No applications found.")
			return nil
		}

		formatApplicationList(cmd.OutOrStdout(), apps)
		return nil
	},
}

func init() {
	applicationAddCmd.Flags().String("id", "", "application id (default: random uuid)")
	applicationAddCmd.Flags().String("job-url", "", "job posting or application form URL")
	applicationAddCmd.Flags().String("packet-id", "", "application packet id")
	applicationAddCmd.Flags().String("title", "", "job title")
	applicationAddCmd.Flags().String("company", "", "company name")
	_ = applicationAddCmd.MarkFlagRequired("job-url")

	applicationListCmd.Flags().String("status", "", "filter by status (prepared, intent_created, prefilled, ...)")
	applicationListCmd.Flags().Int("limit", 50, "max number of applications to display")

	applicationCmd.AddCommand(applicationAddCmd)
	applicationCmd.AddCommand(applicationListCmd)
	rootCmd.AddCommand(applicationCmd)
}

func newApplication(id, jobURL, packetID, title, company string, now time.Time) *model.Application {
	if id == "" {
		id = uuid.NewString()
	}
	return &model.Application{
		ID:          id,
		PacketID:    packetID,
		JobURL:      jobURL,
		JobTitle:    title,
		CompanyName: company,
		Status:      model.ApplicationPrepared,
		StatusHistory: []model.StatusEntry{{
			Status:    model.ApplicationPrepared,
			Timestamp: now,
			Note:      "Application tracked",
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// formatApplicationList writes a tabular list of applications to w.
func formatApplicationList(out io.Writer, apps []model.Application) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCOMPANY\tTITLE\tSTATUS\tINTENT\tUPDATED")
	_, _ = fmt.Fprintln(w, "--\t-------\t-----\t------\t------\t-------")

	for _, a := range apps {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(a.ID),
			ellipsize(a.CompanyName, 30),
			ellipsize(a.JobTitle, 30),
			a.Status,
			truncateID(a.PrefillIntentID),
			a.UpdatedAt.Format("2006-01-02 15:04"),
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

func ellipsize(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		return string(r[:n-3]) + "..."
	}
	return s
}
