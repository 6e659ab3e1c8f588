package forge

// WorkspaceConfig is produced by a frontend (DSL parser, CLI flags) and
// consumed by the core as a plain value — the core never mutates it.
type WorkspaceConfig struct {
	Root    string
	Targets []Target
	Options WorkspaceOptions

	GlobalEnv map[string]string

	Checkpointing CheckpointConfig
	Retry         RetryConfig
}

// WorkspaceOptions holds the knobs a workspace manifest groups under
// "options": cache location, parallelism, incremental mode, logging.
type WorkspaceOptions struct {
	CacheDir    string
	OutputDir   string
	Parallel    bool
	Incremental bool
	Verbose     bool
	MaxJobs     int
}

// CheckpointConfig controls graph-state persistence: when Enabled,
// Services.Build saves one checkpoint after each build.
type CheckpointConfig struct {
	Enabled  bool
	Interval int // read from the manifest; Services.Build does not use it

	Path     string
}

// RetryConfig controls the retry policy applied to Transient failures.
type RetryConfig struct {
	Enabled     bool
	MaxAttempts int
	BackoffMs   int
	Exponential bool
}

// ExitCode enumerates cmd/forge's process exit statuses.
type ExitCode int

const (
	ExitSuccess          ExitCode = 0
	ExitBuildFailure     ExitCode = 1
	ExitConfigError      ExitCode = 2
	ExitIOError          ExitCode = 3
	ExitInternalError    ExitCode = 4
)

// Recognized environment variables.
const (
	EnvVerbose         = "FORGE_VERBOSE"
	EnvTracingEnabled  = "FORGE_TRACING_ENABLED"
	EnvTracingExporter = "FORGE_TRACING_EXPORTER"
	EnvTracingOutput   = "FORGE_TRACING_OUTPUT"
	EnvSIMDDisabled    = "FORGE_SIMD_DISABLED"
	EnvAuditExec       = "FORGE_AUDIT_EXEC"
	EnvWorkspaceRoot   = "FORGE_ROOT"
)

// CacheDirName is the default directory name under WorkspaceConfig.Root
// holding all persisted build-core state.
const CacheDirName = ".forge-cache"
