package config

// Config is the root of servidor.yaml (JSON, YAML and TOML are accepted).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Methods   MethodsConfig   `json:"methods"`
	Storage   StorageConfig   `json:"storage"`
	Engine    EngineConfig    `json:"engine"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Intake    IntakeConfig    `json:"intake"`
	Access    AccessConfig    `json:"access"`

	Diagnostics DiagnosticsConfig `json:"diagnostics"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// MethodsConfig points at the executable tree (root/<category>/<file>).
//
// Defaults:
//   - refresh_interval: "5m"
//   - extensions: .py .pyw .exe .bat .cmd .ps1 .sh
type MethodsConfig struct {
	Root            string   `json:"root"`
	RefreshInterval string   `json:"refresh_interval,omitempty"`
	Extensions      []string `json:"extensions,omitempty"`
	// Watch enables fsnotify-triggered refreshes on the root and snapshot files.
	Watch bool `json:"watch,omitempty"`
}

// StorageConfig selects where metadata/history snapshots are read and where
// finished runs are appended.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/servidor.db" }
//	"storage": { "driver": "csv", "path": "./data/execucoes.csv", "metadata_file": "./data/metodos.csv", "history_file": "./data/historico.csv" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // sqlite
	MetadataFile string `json:"metadata_file,omitempty"`
	HistoryFile  string `json:"history_file,omitempty"`
	// Timezone used when history timestamps carry no offset.
	Timezone string `json:"timezone,omitempty"`
}

// EngineConfig controls the execution pool.
//
// Defaults:
//   - workers: 2
//   - kill_timeout: "10s"
//   - history_size: 200
//   - logs_dir: "./logs"
type EngineConfig struct {
	Workers     int    `json:"workers,omitempty"`
	LogsDir     string `json:"logs_dir,omitempty"`
	KillTimeout string `json:"kill_timeout,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`
	// Interpreters maps a file extension to a shell-quoted command prefix,
	// e.g. {".py": "python -u"}. Files without an entry run directly.
	Interpreters map[string]string `json:"interpreters,omitempty"`
}

// SchedulerConfig controls recurrence recalculation and dispatch.
//
// Defaults:
//   - recalc_interval: "60s"
//   - tick: "1s"
//   - timezone: local
type SchedulerConfig struct {
	Enabled        bool   `json:"enabled"`
	RecalcInterval string `json:"recalc_interval,omitempty"`
	Tick           string `json:"tick,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
	CatchUp        *bool  `json:"catch_up,omitempty"` // default true
}

// IntakeConfig controls the request drop directory.
type IntakeConfig struct {
	Enabled      bool   `json:"enabled"`
	Dir          string `json:"dir"`
	PollInterval string `json:"poll_interval,omitempty"` // default "2s"
}

// AccessConfig decides who may request a method through the intake.
//
// Rules map a method (name or key) to allowed users. "*" as a user allows
// everyone; "*" as a method lists users allowed for every method.
type AccessConfig struct {
	DefaultAllow bool                `json:"default_allow"`
	Rules        map[string][]string `json:"rules,omitempty"`
}

// DiagnosticsConfig controls the optional HTTP endpoint serving /healthz,
// /status and pprof.
//
// Security:
//   - Prefer binding to localhost (default "127.0.0.1:6061").
//   - A non-loopback addr requires token or allow_insecure.
type DiagnosticsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}
