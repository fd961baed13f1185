package app

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"servidor/internal/config"
	"servidor/internal/task/engine"
)

func writeFile(t *testing.T, path, body string, mode os.FileMode) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), mode); err != nil {
		t.Fatal(err)
	}
}

func newTestApp(t *testing.T, extra string) (*App, string) {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "metodos")
	writeFile(t, filepath.Join(root, "Financeiro", "relatorio.sh"), "#!/bin/sh\necho \"$SERVIDOR_USUARIO\"\nexit 2\n", 0o755)
	writeFile(t, filepath.Join(dir, "metodos.csv"), "Método;Automação;Status;Horário;Dias\nrelatorio;Financeiro;Ativo;08:00;todos\n", 0o644)

	cfg := "logging:\n  level: error\n" +
		"methods:\n  root: " + root + "\n" +
		"storage:\n  driver: csv\n  path: " + filepath.Join(dir, "execucoes.csv") + "\n  metadata_file: " + filepath.Join(dir, "metodos.csv") + "\n" +
		"engine:\n  workers: 1\n  logs_dir: " + filepath.Join(dir, "logs") + "\n" + extra
	path := filepath.Join(dir, "servidor.yaml")
	writeFile(t, path, cfg, 0o644)

	a, err := New(path)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return a, dir
}

func TestRunOnceRecordsRun(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts")
	}
	a, _ := newTestApp(t, "")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := a.Refresh(ctx); err != nil {
		t.Fatalf("Refresh error: %v", err)
	}
	info, ok := a.Registry().Get("relatorio")
	if !ok || info.Category != "Financeiro" || !info.HasMetadata {
		t.Fatalf("registry entry = %+v, %v", info, ok)
	}
	if _, _, err := a.Lookup("desconhecido"); err == nil {
		t.Fatal("Lookup of unknown method should fail")
	}

	res, err := a.RunOnce(ctx, "Relatorio", engine.JobContext{User: "ana"})
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if res.Status != engine.StatusNoData || res.ExitCode != 2 {
		t.Fatalf("result = %+v", res)
	}
	if res.Context.Origin != engine.OriginManual {
		t.Fatalf("origin = %q", res.Context.Origin)
	}

	runs, err := a.store.LastRuns(ctx)
	if err != nil {
		t.Fatalf("LastRuns error: %v", err)
	}
	if at, ok := runs["relatorio"]; !ok || at.IsZero() {
		t.Fatalf("run not recorded: %v", runs)
	}

	if err := a.Stop(ctx, StopCommandDone); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
}

func TestStartAndStop(t *testing.T) {
	a, _ := newTestApp(t, "scheduler:\n  enabled: true\n  catch_up: false\nintake:\n  enabled: true\n  dir: "+filepath.Join(t.TempDir(), "req")+"\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for a.Scheduler().Status("relatorio").String() != "scheduled" && a.Scheduler().Status("relatorio").String() != "no-slot-today" {
		if time.Now().After(deadline) {
			t.Fatalf("scheduler status = %s", a.Scheduler().Status("relatorio"))
		}
		time.Sleep(10 * time.Millisecond)
	}

	st := a.Status()
	if st.Methods != 1 || st.Scheduler.Methods != 1 || st.Pool.Workers != 1 || st.LastRefresh.IsZero() {
		t.Fatalf("status = %+v", st)
	}
	if len(st.Runtime.Goroutines) == 0 {
		t.Fatal("runtime snapshot is empty")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
}

func TestStopWithoutStart(t *testing.T) {
	a, _ := newTestApp(t, "")
	if err := a.Stop(context.Background(), StopCommandDone); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
}

func TestMapSchedulerConfig(t *testing.T) {
	t.Parallel()
	off := false
	tests := []struct {
		name    string
		cfg     config.SchedulerConfig
		catchUp bool
		tick    time.Duration
		wantErr bool
	}{
		{name: "defaults", catchUp: true, tick: time.Second},
		{name: "catch-up off", cfg: config.SchedulerConfig{CatchUp: &off, Tick: "250ms"}, tick: 250 * time.Millisecond},
		{name: "bad tz", cfg: config.SchedulerConfig{Timezone: "Nowhere/City"}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sc, err := mapSchedulerConfig(&config.Config{Scheduler: tt.cfg})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if sc.CatchUp != tt.catchUp || sc.Tick != tt.tick || sc.RecalcInterval != time.Minute {
				t.Fatalf("config = %+v", sc)
			}
		})
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	_, enabled, err := mapStorageConfig(&config.Config{Storage: config.StorageConfig{Driver: " None "}})
	if err != nil || enabled {
		t.Fatalf("none driver: enabled=%v err=%v", enabled, err)
	}
	sc, enabled, err := mapStorageConfig(&config.Config{
		Storage:   config.StorageConfig{Driver: "SQLite", Path: " ./x.db "},
		Scheduler: config.SchedulerConfig{Timezone: "UTC"},
	})
	if err != nil || !enabled {
		t.Fatalf("sqlite driver: enabled=%v err=%v", enabled, err)
	}
	if sc.Driver != "sqlite" || sc.Path != "./x.db" || sc.BusyTimeout != 5*time.Second || sc.Location.String() != "UTC" {
		t.Fatalf("storage config = %+v", sc)
	}
}

func TestMapRefresherWatchesCSVSnapshots(t *testing.T) {
	t.Parallel()
	rc, err := mapRefresherConfig(&config.Config{
		Methods: config.MethodsConfig{Root: "./m", Watch: true},
		Storage: config.StorageConfig{Driver: "csv", MetadataFile: "a.csv", HistoryFile: "b.csv"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(rc.WatchPaths) != 2 || rc.Interval != 5*time.Minute || len(rc.Extensions) == 0 {
		t.Fatalf("refresher config = %+v", rc)
	}
}
