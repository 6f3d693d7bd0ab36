package main

import (
	"net/http"
	"os"
	"time"

	"github.com/facebookgo/clock"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/jobly/internal/agent"
	"github.com/sells-group/jobly/internal/resilience"
	"github.com/sells-group/jobly/pkg/prefillclient"
)

const agentTokenEnv = "JOBLY_AGENT_TOKEN"

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Local prefill agent",
}

var agentRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Fetch an intent, prepare the form fill and report the result",
	Long: "Fetches the intent with its one-time token, writes a fill plan under agent.output_dir, " +
		"and reports the outcome. The token may be passed with --token or " + agentTokenEnv + ".",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("agent"); err != nil {
			return err
		}

		intentID, _ := cmd.Flags().GetString("intent-id")
		tok, _ := cmd.Flags().GetString("token")
		if tok == "" {
			tok = os.Getenv(agentTokenEnv)
		}
		if tok == "" {
			return eris.Errorf("agent run: a token is required (--token or %s)", agentTokenEnv)
		}

		stop := cfg.Agent.StopBeforeSubmit
		if cmd.Flags().Changed("stop-before-submit") {
			stop, _ = cmd.Flags().GetBool("stop-before-submit")
		}

		runner := newAgentRunner(stop)
		res, err := runner.Run(cmd.Context(), intentID, tok)
		if res != nil {
			if werr := writeJSON(cmd.OutOrStdout(), res.Report); werr != nil {
				return werr
			}
		}
		return err
	},
}

func newAgentRunner(stopBeforeSubmit bool) *agent.Runner {
	clk := clock.New()
	client := prefillclient.NewClient(
		prefillclient.WithBaseURL(cfg.Agent.APIBaseURL),
		prefillclient.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Agent.TimeoutSecs) * time.Second}),
	)

	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.Agent.ReportAttempts

	return agent.NewRunner(client, agent.NewPlanFiller(cfg.Agent.OutputDir, clk), clk, agent.RunnerConfig{
		StopBeforeSubmit: stopBeforeSubmit,
		Retry:            retry,
	})
}

func init() {
	agentRunCmd.Flags().String("intent-id", "", "intent to fill")
	agentRunCmd.Flags().String("token", "", "one-time intent token (default $"+agentTokenEnv+")")
	agentRunCmd.Flags().Bool("stop-before-submit", true, "halt before the final submit (default from config)")
	_ = agentRunCmd.MarkFlagRequired("intent-id")

	agentCmd.AddCommand(agentRunCmd)
	rootCmd.AddCommand(agentCmd)
}
