package main

import (
	"context"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"servidor/internal/app"
)

var methodsCmd = &cobra.Command{
	Use:   "methods",
	Short: "List the resolved method registry",
	Args:  cobra.NoArgs,
	RunE:  runMethods,
}

func runMethods(cmd *cobra.Command, _ []string) error {
	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	defer a.Stop(context.Background(), app.StopCommandDone)

	if err := a.Refresh(cmd.Context()); err != nil {
		pterm.Warning.Printfln("registry incomplete: %v", err)
	}
	m := a.Registry().Snapshot()
	if len(m) == 0 {
		pterm.Info.Println("No methods found")
		return nil
	}

	data := pterm.TableData{{"Chave", "Nome", "Categoria", "Status", "Horário", "Dias", "Executável"}}
	for _, key := range m.Keys() {
		info := m[key]
		status := info.Status.String()
		if !info.HasMetadata {
			status = "-"
		}
		data = append(data, []string{
			info.Key,
			info.Name,
			info.Category,
			status,
			dash(info.Recurrence),
			dash(info.Weekdays),
			dash(info.Path),
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}
	pterm.Printfln("%s methods", pterm.Green(len(m)))
	return nil
}

func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
