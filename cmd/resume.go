package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var resumeCmd = &cobra.Command{
	Use:   "resume [instance-id]",
	Short: "Resume a failed workflow instance",
	Long:  "Re-runs an instance in the foreground. Steps that already succeeded are served from the step cache. With --dlq, resumes every due dead-letter entry instead.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		dlq, _ := cmd.Flags().GetBool("dlq")
		limit, _ := cmd.Flags().GetInt("limit")
		if dlq == (len(args) == 1) {
			return eris.New("resume: pass exactly one of an instance id or --dlq")
		}

		env, err := initWorkflow(ctx, "resume")
		if err != nil {
			return err
		}
		defer closeEnv(env)

		if dlq {
			n, err := env.Service.RetryDue(ctx, limit)
			if err != nil {
				return eris.Wrap(err, "resume dlq")
			}
			waitRuns(ctx, env)
			zap.L().Info("dlq: resumed instances", zap.Int("count", n))
			return nil
		}

		id := args[0]
		if err := env.Service.Resume(ctx, id); err != nil {
			return eris.Wrap(err, "resume")
		}
		waitRuns(ctx, env)

		inst, err := env.Service.Get(ctx, id)
		if err != nil {
			return eris.Wrap(err, "resume")
		}
		return printJSON(inst)
	},
}

// waitRuns blocks until launched runs finish or ctx is cancelled. A
// cancelled run is stopped by closeEnv.
func waitRuns(ctx context.Context, env *workflowEnv) {
	done := make(chan struct{})
	go func() {
		env.Service.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		zap.L().Warn("resume: interrupted, cancelling in-flight runs")
	}
}

func init() {
	resumeCmd.Flags().Bool("dlq", false, "resume all due dead-letter instances")
	resumeCmd.Flags().Int("limit", 50, "max dead-letter instances to resume")
	rootCmd.AddCommand(resumeCmd)
}
