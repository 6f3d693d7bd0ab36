package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/jobly/internal/api"
	"github.com/sells-group/jobly/internal/model"
	"github.com/sells-group/jobly/internal/prefill"
)

var intentCmd = &cobra.Command{
	Use:   "intent",
	Short: "Issue and inspect prefill intents",
}

// -- intent create --

var intentCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a prefill intent and print its one-time token",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		req, err := createRequestFromFlags(cmd)
		if err != nil {
			return err
		}

		svc, st, err := openService(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		iss, err := svc.Create(ctx, req)
		if err != nil {
			return eris.Wrap(err, "intent create")
		}
		return writeJSON(cmd.OutOrStdout(), issuedResponse(iss, "Intent created. Use the auth_token in the local agent."))
	},
}

// -- intent reissue --

var intentReissueCmd = &cobra.Command{
	Use:   "reissue <intent-id>",
	Short: "Rotate the token of a pending or fetched intent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		svc, st, err := openService(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		iss, err := svc.Reissue(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "intent reissue")
		}
		return writeJSON(cmd.OutOrStdout(), issuedResponse(iss, "Token reissued. The previous token no longer works."))
	},
}

// -- intent show --

var intentShowCmd = &cobra.Command{
	Use:   "show <intent-id>",
	Short: "Show an intent and its result log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		svc, st, err := openService(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		in, log, err := svc.Get(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "intent show")
		}
		return writeJSON(cmd.OutOrStdout(), struct {
			Intent model.PrefillIntent `json:"intent"`
			Log    *model.StoredLog    `json:"log"`
		}{in.Redacted(), log})
	},
}

// -- intent sweep --

var intentSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire intents whose tokens have lapsed",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		svc, st, err := openService(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		res, err := svc.Sweep(ctx)
		if err != nil {
			return eris.Wrap(err, "intent sweep")
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Expired %d pending and %d fetched intents.\n", res.ExpiredPending, res.ExpiredFetched)
		return nil
	},
}

func init() {
	f := intentCreateCmd.Flags()
	f.String("application-id", "", "application the intent fills")
	f.String("job-url", "", "form URL (default: the application's job URL)")
	f.String("payload", "", "JSON file with user_fields, attachments and common_answers")
	f.StringArray("field", nil, "user field as key=value (repeatable)")
	f.StringArray("file", nil, "file-valued user field as key=path (repeatable)")
	f.StringArray("attachment", nil, "attachment as key=path (repeatable)")
	f.StringArray("answer", nil, "common answer as key=text (repeatable)")
	_ = intentCreateCmd.MarkFlagRequired("application-id")

	intentCmd.AddCommand(intentCreateCmd)
	intentCmd.AddCommand(intentReissueCmd)
	intentCmd.AddCommand(intentShowCmd)
	intentCmd.AddCommand(intentSweepCmd)
	rootCmd.AddCommand(intentCmd)
}

// createRequestFromFlags builds a CreateRequest from an optional payload file
// with individual flags layered on top.
func createRequestFromFlags(cmd *cobra.Command) (prefill.CreateRequest, error) {
	var req prefill.CreateRequest

	if path, _ := cmd.Flags().GetString("payload"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return req, eris.Wrapf(err, "intent create: read %s", path)
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return req, eris.Wrapf(err, "intent create: parse %s", path)
		}
	}

	req.ApplicationID, _ = cmd.Flags().GetString("application-id")
	if u, _ := cmd.Flags().GetString("job-url"); u != "" {
		req.JobURL = u
	}

	fields, _ := cmd.Flags().GetStringArray("field")
	files, _ := cmd.Flags().GetStringArray("file")
	attachments, _ := cmd.Flags().GetStringArray("attachment")
	answers, _ := cmd.Flags().GetStringArray("answer")

	if err := assign(&req.UserFields, "field", fields, model.String); err != nil {
		return req, err
	}
	if err := assign(&req.UserFields, "file", files, model.File); err != nil {
		return req, err
	}
	if err := assign(&req.Attachments, "attachment", attachments, func(s string) string { return s }); err != nil {
		return req, err
	}
	if err := assign(&req.CommonAnswers, "answer", answers, func(s string) string { return s }); err != nil {
		return req, err
	}
	return req, nil
}

// assign parses key=value pairs into *dst, creating the map if needed.
func assign[V any](dst *map[string]V, flag string, pairs []string, conv func(string) V) error {
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return eris.Errorf("--%s %q: want key=value", flag, p)
		}
		if *dst == nil {
			*dst = make(map[string]V)
		}
		(*dst)[k] = conv(v)
	}
	return nil
}

func issuedResponse(iss *prefill.Issued, msg string) api.IssuedResponse {
	return api.IssuedResponse{
		IntentID:  iss.Intent.ID,
		AuthToken: iss.Token,
		ExpiresAt: iss.ExpiresAt,
		Message:   msg,
	}
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
