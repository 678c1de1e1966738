// Package doctor runs the preflight checks behind `oracle doctor`.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/piefi/oracle/internal/config"
	"github.com/piefi/oracle/internal/persistence"
)

// Check statuses.
const (
	Pass = "PASS"
	Warn = "WARN"
	Fail = "FAIL"
	Skip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == Fail {
			return true
		}
	}
	return false
}

// Resolver is the DNS lookup used by the network check.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

type Option func(*runner)

// WithResolver replaces net.DefaultResolver.
func WithResolver(r Resolver) Option { return func(rn *runner) { rn.resolver = r } }

type runner struct {
	resolver Resolver
}

var providerHosts = map[string]string{
	"google":     "generativelanguage.googleapis.com",
	"anthropic":  "api.anthropic.com",
	"openai":     "api.openai.com",
	"openrouter": "openrouter.ai",
}

var providerEnv = map[string]string{
	"google":     "GEMINI_API_KEY",
	"anthropic":  "ANTHROPIC_API_KEY",
	"openai":     "OPENAI_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
}

// Run executes every check in order. A nil cfg skips the checks that need it.
func Run(ctx context.Context, cfg *config.Config, version string, opts ...Option) Diagnosis {
	rn := &runner{resolver: net.DefaultResolver}
	for _, o := range opts {
		o(rn)
	}
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}
	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkAPIKey,
		checkDatabase,
		checkPermissions,
		checkAuth,
		checkTelegram,
		rn.checkNetwork,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	switch {
	case cfg == nil:
		return CheckResult{Name: "Config", Status: Fail, Message: "Configuration not loaded"}
	case cfg.NeedsGenesis:
		return CheckResult{Name: "Config", Status: Warn, Message: "No config.yaml; running on defaults", Detail: config.ConfigPath(cfg.HomeDir)}
	default:
		return CheckResult{Name: "Config", Status: Pass, Message: "Loaded from " + cfg.HomeDir, Detail: cfg.Fingerprint()}
	}
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: Skip, Message: "Config missing"}
	}
	provider := strings.ToLower(cfg.LLM.Provider)
	if provider == "ollama" {
		return CheckResult{Name: "API Key", Status: Pass, Message: "Provider ollama needs no key"}
	}
	if cfg.ProviderAPIKey(provider) != "" {
		return CheckResult{Name: "API Key", Status: Pass, Message: fmt.Sprintf("Key configured for %s", provider)}
	}
	res := CheckResult{
		Name:    "API Key",
		Status:  Fail,
		Message: fmt.Sprintf("No API key for provider %q; classification requests will fail", provider),
	}
	if env, ok := providerEnv[provider]; ok {
		res.Detail = fmt.Sprintf("Set %s or providers.%s.api_key in config.yaml", env, provider)
	}
	return res
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: Skip, Message: "Config missing"}
	}
	path := cfg.DatabasePath()
	store, err := persistence.Open(path, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: Fail, Message: fmt.Sprintf("Open failed: %v", err), Detail: path}
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		return CheckResult{Name: "Database", Status: Fail, Message: fmt.Sprintf("Ping failed: %v", err), Detail: path}
	}
	version, err := store.SchemaVersion(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: Fail, Message: fmt.Sprintf("Schema query failed: %v", err), Detail: path}
	}
	teams, err := store.ListTeams(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: Fail, Message: fmt.Sprintf("Team query failed: %v", err), Detail: path}
	}
	if len(teams) == 0 {
		return CheckResult{Name: "Database", Status: Warn, Message: fmt.Sprintf("Schema v%d, no teams; run `oracle seed`", version), Detail: path}
	}
	return CheckResult{Name: "Database", Status: Pass, Message: fmt.Sprintf("Schema v%d, %d teams", version, len(teams)), Detail: path}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: Skip, Message: "Config missing"}
	}
	probe := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: Fail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(probe)
	return CheckResult{Name: "Permissions", Status: Pass, Message: "Home directory writable"}
}

func checkAuth(_ context.Context, cfg *config.Config) CheckResult {
	switch {
	case cfg == nil:
		return CheckResult{Name: "Auth", Status: Skip, Message: "Config missing"}
	case !cfg.Auth.Enabled:
		return CheckResult{Name: "Auth", Status: Warn, Message: "API key auth disabled; every caller is anonymous"}
	case len(cfg.Auth.Keys) == 0:
		return CheckResult{Name: "Auth", Status: Fail, Message: "Auth enabled but no keys configured; every request will get 401"}
	}
	roles := make(map[string]int)
	for _, k := range cfg.Auth.Keys {
		roles[k.Role]++
	}
	return CheckResult{Name: "Auth", Status: Pass, Message: fmt.Sprintf("%d API keys", len(cfg.Auth.Keys)), Detail: fmt.Sprintf("by role: %v", roles)}
}

func checkTelegram(_ context.Context, cfg *config.Config) CheckResult {
	switch {
	case cfg == nil:
		return CheckResult{Name: "Telegram", Status: Skip, Message: "Config missing"}
	case !cfg.Telegram.Enabled:
		return CheckResult{Name: "Telegram", Status: Skip, Message: "Alert forwarding disabled"}
	case cfg.Telegram.Token == "":
		return CheckResult{Name: "Telegram", Status: Warn, Message: "Enabled without a token; set TELEGRAM_TOKEN"}
	case len(cfg.Telegram.ChatIDs) == 0:
		return CheckResult{Name: "Telegram", Status: Warn, Message: "Enabled without chat_ids; alerts go nowhere"}
	default:
		return CheckResult{Name: "Telegram", Status: Pass, Message: fmt.Sprintf("Forwarding critical alerts to %d chats", len(cfg.Telegram.ChatIDs))}
	}
}

func (rn *runner) checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: Skip, Message: "Config missing"}
	}
	provider := strings.ToLower(cfg.LLM.Provider)
	host := providerHosts[provider]
	if base := cfg.ProviderBaseURL(provider); base != "" {
		if u, err := url.Parse(base); err == nil && u.Hostname() != "" {
			host = u.Hostname()
		}
	}
	if host == "" {
		return CheckResult{Name: "Network", Status: Skip, Message: fmt.Sprintf("No known endpoint for provider %q", provider)}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	addrs, err := rn.resolver.LookupHost(lookupCtx, host)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  Fail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s latency=%dms", provider, latency),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  Pass,
		Message: fmt.Sprintf("Resolved %s (%d addresses, %dms)", host, len(addrs), latency),
		Detail:  "provider=" + provider,
	}
}
