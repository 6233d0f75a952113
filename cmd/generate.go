package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/sitegen/internal/model"
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate and publish a site for one business",
	Long:  "Runs the full workflow in the foreground and prints the final instance as JSON.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		params, err := paramsFromFlags(cmd)
		if err != nil {
			return err
		}

		env, err := initWorkflow(ctx, "generate")
		if err != nil {
			return err
		}
		defer closeEnv(env)

		inst, err := env.Service.Run(ctx, params)
		if inst != nil {
			if encErr := printJSON(inst); encErr != nil {
				return encErr
			}
		}
		if err != nil {
			return eris.Wrap(err, "generate")
		}
		if inst.Status != model.StatusPublished {
			return eris.Errorf("generate: instance %s ended in %s: %s", inst.ID, inst.Status, inst.Error)
		}

		zap.L().Info("site published",
			zap.String("instance", inst.ID),
			zap.String("site", params.SiteID),
		)
		return nil
	},
}

func init() {
	f := generateCmd.Flags()
	f.String("site-id", "", "site identifier (required)")
	f.String("org-id", "", "owning organization (required)")
	f.String("name", "", "business name (required)")
	f.String("address", "", "business address")
	f.String("phone", "", "business phone")
	f.String("place-id", "", "external place identifier")
	f.String("context", "", "additional context for the research prompts")
	f.StringSlice("logo", nil, "uploaded logo URL (repeatable)")
	f.StringSlice("photo", nil, "uploaded photo URL (repeatable)")
	_ = generateCmd.MarkFlagRequired("site-id")
	_ = generateCmd.MarkFlagRequired("org-id")
	_ = generateCmd.MarkFlagRequired("name")
	rootCmd.AddCommand(generateCmd)
}

// paramsFromFlags builds workflow params from the generate flags.
func paramsFromFlags(cmd *cobra.Command) (model.Params, error) {
	f := cmd.Flags()
	var p model.Params
	var err error
	for _, s := range []struct {
		name string
		dst  *string
	}{
		{"site-id", &p.SiteID},
		{"org-id", &p.OrgID},
		{"name", &p.BusinessName},
		{"address", &p.BusinessAddress},
		{"phone", &p.BusinessPhone},
		{"place-id", &p.ExternalPlaceID},
		{"context", &p.AdditionalContext},
	} {
		if *s.dst, err = f.GetString(s.name); err != nil {
			return p, eris.Wrapf(err, "read --%s", s.name)
		}
		*s.dst = strings.TrimSpace(*s.dst)
	}

	for _, a := range []struct {
		flag string
		kind model.AssetKind
	}{
		{"logo", model.AssetLogo},
		{"photo", model.AssetPhoto},
	} {
		urls, err := f.GetStringSlice(a.flag)
		if err != nil {
			return p, eris.Wrapf(err, "read --%s", a.flag)
		}
		for _, u := range urls {
			p.UploadedAssets = append(p.UploadedAssets, model.AssetRef{Kind: a.kind, URL: u})
		}
	}
	return p, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// closeEnv shuts the environment down on a fresh context so a cancelled
// command context does not cut the audit drain short.
func closeEnv(env *workflowEnv) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	env.Close(ctx)
}
