package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"servidor/internal/app"
	"servidor/internal/task/engine"
)

var (
	execUser string
	execObs  string
)

var execCmd = &cobra.Command{
	Use:   "exec <method>",
	Short: "Run one method now through the execution pool",
	Long:  "Resolves <method> by key, name or unique prefix, runs it once and prints the result. Ctrl-C terminates the whole process tree.",
	Args:  cobra.ExactArgs(1),
	RunE:  runExec,
}

func init() {
	execCmd.Flags().StringVar(&execUser, "user", "", "requesting user exported to the method")
	execCmd.Flags().StringVar(&execObs, "obs", "", "observation text exported to the method")
}

func runExec(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, app.StopCommandDone)
	}()

	if err := a.Refresh(ctx); err != nil {
		pterm.Warning.Printfln("registry incomplete: %v", err)
	}

	res, err := a.RunOnce(ctx, args[0], engine.JobContext{
		Origin:      engine.OriginManual,
		User:        execUser,
		Observation: execObs,
	})
	if err != nil {
		return err
	}

	line := pterm.Sprintf("%s %s in %s (exit %d)", res.Key, res.Status.Label(), res.Duration().Round(time.Millisecond), res.ExitCode)
	switch res.Status {
	case engine.StatusSuccess:
		pterm.Success.Println(line)
	case engine.StatusNoData:
		pterm.Warning.Println(line)
	default:
		pterm.Error.Println(line)
	}
	if res.LogPath != "" {
		pterm.Info.Printfln("log: %s", res.LogPath)
	}
	if res.Err != "" {
		pterm.Error.Printfln("%s", res.Err)
	}
	if res.Status == engine.StatusFailure {
		return errors.Newf("method %s failed", res.Key)
	}
	return nil
}
