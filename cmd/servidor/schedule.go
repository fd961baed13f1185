package main

import (
	"context"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"servidor/internal/app"
	"servidor/internal/task/scheduler"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Show today's schedule: status and next fire per method",
	Args:  cobra.NoArgs,
	RunE:  runSchedule,
}

func runSchedule(cmd *cobra.Command, _ []string) error {
	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	defer a.Stop(context.Background(), app.StopCommandDone)

	if err := a.Refresh(cmd.Context()); err != nil {
		pterm.Warning.Printfln("registry incomplete: %v", err)
	}
	sched := a.Scheduler()
	sched.Recalculate()
	snap := sched.Snapshot()

	data := pterm.TableData{{"Chave", "Nome", "Status", "Próxima", "Horários"}}
	for _, e := range snap.Entries {
		next := "-"
		if !e.Next.IsZero() {
			next = e.Next.In(sched.Location()).Format("02/01 15:04")
		}
		data = append(data, []string{e.Key, e.Name, statusText(e.Status), next, dash(strings.Join(e.Slots, ", "))})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}
	pterm.Printfln("%s of %d methods scheduled today (%s)", pterm.Green(snap.Scheduled), snap.Methods, sched.Location())
	return nil
}

func statusText(s scheduler.Status) string {
	switch s {
	case scheduler.StatusScheduled:
		return pterm.Green(s.Label())
	case scheduler.StatusInactive, scheduler.StatusNoRegistry:
		return pterm.Gray(s.Label())
	default:
		return pterm.Yellow(s.Label())
	}
}
