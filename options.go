package regent

import (
	"io/fs"
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port            int
	databaseURL     string
	redisURL        string
	logger          *slog.Logger
	version         string
	planner         Planner
	invoker         CapabilityInvoker
	notifier        TicketNotifier
	workflows       []Workflow
	jobHandlers     map[string]JobHandler
	extraMigrations []fs.FS
}

// WithPort overrides the TCP port from config (REGENT_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithRedisURL overrides the Redis connection string from config (REDIS_URL env var).
// Redis backs the autonomy work queue; when it is unreachable the loop falls
// back to polling the planner directly each tick.
func WithRedisURL(url string) Option {
	return func(o *resolvedOptions) { o.redisURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithPlanner sets the planner the autonomy loop consults each tick.
// Without one the loop still runs — pause, resume, and audit all work — but
// every tick finds no work.
func WithPlanner(p Planner) Option {
	return func(o *resolvedOptions) { o.planner = p }
}

// WithInvoker sets the capability invoker workflow steps dispatch through.
// Without one every capability-bearing step fails fatally, so any real
// deployment sets this.
func WithInvoker(inv CapabilityInvoker) Option {
	return func(o *resolvedOptions) { o.invoker = inv }
}

// WithNotifier sets the channel pending tickets are announced on.
// Optional — tickets are always listed and decidable through the API.
func WithNotifier(n TicketNotifier) Option {
	return func(o *resolvedOptions) { o.notifier = n }
}

// WithWorkflow registers a workflow definition. May be repeated; duplicate
// names fail App construction.
func WithWorkflow(wf Workflow) Option {
	return func(o *resolvedOptions) { o.workflows = append(o.workflows, wf) }
}

// WithJobHandler binds a named handler for scheduled jobs. Built-in
// operational handlers (heartbeat, digests, retention pruning) are registered
// automatically; this adds domain handlers such as billing snapshots or
// planner warmup. Default jobs referencing unregistered handlers are skipped
// at startup.
func WithJobHandler(name string, h JobHandler) Option {
	return func(o *resolvedOptions) {
		if o.jobHandlers == nil {
			o.jobHandlers = make(map[string]JobHandler)
		}
		o.jobHandlers[name] = h
	}
}

// WithExtraMigrations appends migration filesystems applied after the
// built-in schema. Use for embedder-owned tables that live in the same
// database.
func WithExtraMigrations(migrations ...fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, migrations...) }
}
