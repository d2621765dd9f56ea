package config

// Config is the top-level YAML structure.
type Config struct {
	Version    string         `yaml:"version"`
	Session    SessionConf    `yaml:"session"`
	Fetch      FetchConf      `yaml:"fetch"`
	Storage    StorageConf    `yaml:"storage"`
	ContentKey ContentKeyConf `yaml:"content_key"`
	Policy     PolicyConf     `yaml:"policy"`
}

// SessionConf holds the defaults for new exploration sessions.
type SessionConf struct {
	Targets          []string `yaml:"targets"`
	Incremental      bool     `yaml:"incremental"`
	AllowSoft        bool     `yaml:"allow_soft_dependencies"`
	SkipEditorOnly   bool     `yaml:"skip_editor_only"`
	Traversal        string   `yaml:"traversal"` // none | fetch_edges | follow
	BatchSize        int      `yaml:"batch_size"`
	MaxVisitsPerTick int      `yaml:"max_visits_per_tick"`
	TickBudgetMs     int      `yaml:"tick_budget_ms"`
	TickIntervalMs   int      `yaml:"tick_interval_ms"`
	PollIntervalMs   int      `yaml:"poll_interval_ms"`
	WaitWarningMs    int      `yaml:"wait_warning_ms"`
}

// FetchConf tunes the manifest fetch worker pool.
type FetchConf struct {
	Workers    int `yaml:"workers"`
	QueueDepth int `yaml:"queue_depth"`
	ChunkSize  int `yaml:"chunk_size"`
	TimeoutMs  int `yaml:"timeout_ms"`
}

// StorageConf locates the dependency index and the manifest store.
type StorageConf struct {
	IndexPath     string  `yaml:"index_path"`   // sqlite file, empty = in memory
	ManifestDir   string  `yaml:"manifest_dir"` // badger directory
	InMemory      bool    `yaml:"in_memory"`
	SyncWrites    bool    `yaml:"sync_writes"`
	GCIntervalSec int     `yaml:"gc_interval_sec"`
	GCDiscard     float64 `yaml:"gc_discard_ratio"`
}

// ContentKeyConf configures content key derivation.
type ContentKeyConf struct {
	Salt string `yaml:"salt"`
}

// PolicyConf lists the cookability rules.
type PolicyConf struct {
	NeverBuild    []string     `yaml:"never_build"`
	ScriptPrefix  string       `yaml:"script_prefix"`
	BuildUnitRoot string       `yaml:"build_unit_root"`
	Filters       []FilterConf `yaml:"filters"`
}

// FilterConf suppresses every item matching Expression.
type FilterConf struct {
	ID         string   `yaml:"id"`
	Expression string   `yaml:"expression"`
	Reason     string   `yaml:"reason"`  // suppress reason name, default "filtered"
	Targets    []string `yaml:"targets"` // empty = all targets
	Explore    *bool    `yaml:"explore"` // follow dependencies of filtered items, default true
}
