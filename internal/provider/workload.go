package provider

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/VenkatGGG/runner-fleet/internal/node"
)

const DefaultIdleMaxDuration = 25 * time.Hour

// ServiceURLs are the collaborator endpoints a runner talks to.
type ServiceURLs struct {
	Persist   string
	Jobs      string
	Providers string
}

type ServiceResolver interface {
	ServiceURLs(ctx context.Context) (ServiceURLs, error)
}

type WorkloadSettings struct {
	NodeEnv                 string
	Cloud                   bool
	Telemetry               bool
	IdleMaxDuration         time.Duration
	TraceEnv                string
	TraceSite               string
	TraceAgentURL           string
	ProvidersReloadInterval time.Duration
	// CallbackURL is the admin API a runner registers with once it is listening.
	CallbackURL string
	// CallbackAPIKey authenticates the runner's register and finish calls.
	CallbackAPIKey string
}

// Workload builds the environment handed to a launched runner.
type Workload struct {
	Settings WorkloadSettings
	Services ServiceResolver
}

// HeapSizeMB is the heap ceiling hint for a node: 75% of its memory.
func HeapSizeMB(memoryMB int) int {
	return memoryMB * 3 / 4
}

func (w Workload) Env(ctx context.Context, n node.Node) (map[string]string, error) {
	var urls ServiceURLs
	if w.Services != nil {
		resolved, err := w.Services.ServiceURLs(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve service urls: %w", err)
		}
		urls = resolved
	}

	nodeEnv := strings.TrimSpace(w.Settings.NodeEnv)
	if nodeEnv == "" {
		nodeEnv = "production"
	}
	idle := w.Settings.IdleMaxDuration
	if idle <= 0 {
		idle = DefaultIdleMaxDuration
	}
	heap := HeapSizeMB(n.MemoryMB)

	env := map[string]string{
		"NODE_ENV":                  nodeEnv,
		"RUNNER_CLOUD":              strconv.FormatBool(w.Settings.Cloud),
		"RUNNER_MAX_HEAP_MB":        strconv.Itoa(heap),
		"NODE_OPTIONS":              fmt.Sprintf("--max-old-space-size=%d", heap),
		"RUNNER_NODE_ID":            strconv.FormatInt(n.ID, 10),
		"IDLE_MAX_DURATION_MS":      strconv.FormatInt(idle.Milliseconds(), 10),
		"RUNNER_TELEMETRY":          strconv.FormatBool(w.Settings.Telemetry),
		"PERSIST_SERVICE_URL":       urls.Persist,
		"JOBS_SERVICE_URL":          urls.Jobs,
		"PROVIDERS_URL":             urls.Providers,
		"PROVIDERS_RELOAD_INTERVAL": strconv.FormatInt(w.Settings.ProvidersReloadInterval.Milliseconds(), 10),
	}
	if v := strings.TrimSpace(w.Settings.TraceEnv); v != "" {
		env["TRACE_ENV"] = v
	}
	if v := strings.TrimSpace(w.Settings.TraceSite); v != "" {
		env["TRACE_SITE"] = v
	}
	if v := strings.TrimSpace(w.Settings.TraceAgentURL); v != "" {
		env["TRACE_AGENT_URL"] = v
	}
	if v := strings.TrimSpace(w.Settings.CallbackURL); v != "" {
		env["RUNNER_CALLBACK_URL"] = v
	}
	if v := strings.TrimSpace(w.Settings.CallbackAPIKey); v != "" {
		env["RUNNER_API_KEY"] = v
	}
	return env, nil
}
