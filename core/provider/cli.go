package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/debench/debench/core/infra/config"
	"github.com/debench/debench/core/infra/filelock"
	"github.com/debench/debench/core/infra/logging"
	"github.com/felixgeelhaar/fortify/retry"
)

const (
	defaultBinary       = "astro"
	defaultAttempts     = 5
	defaultInitialDelay = 2 * time.Second
	defaultMaxDelay     = time.Minute
	defaultCallTimeout  = 20 * time.Minute
)

// Deployment is the provider's view of one deployment.
type Deployment struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	URL    string `json:"url,omitempty"`
}

// Hibernating reports whether the deployment is scaled down.
func (d Deployment) Hibernating() bool {
	return strings.EqualFold(d.Status, "HIBERNATING")
}

// Recovery is the remediation run before retrying an error of a given Kind.
type Recovery func(ctx context.Context) error

// CLI wraps the provider command line. Every call is classified into a typed
// Error and retried with exponential backoff while transient.
type CLI struct {
	runner       Runner
	binary       string
	cfg          config.ProviderConfig
	stateDir     string
	attempts     int
	initialDelay time.Duration
	maxDelay     time.Duration
	callTimeout  time.Duration
	recoveries   map[Kind]Recovery
}

// Option customizes a CLI.
type Option func(*CLI)

// WithBinary overrides the executable name.
func WithBinary(name string) Option {
	return func(c *CLI) {
		if name != "" {
			c.binary = name
		}
	}
}

// WithBackoff overrides attempts and delays.
func WithBackoff(attempts int, initial, maxDelay time.Duration) Option {
	return func(c *CLI) {
		if attempts > 0 {
			c.attempts = attempts
		}
		if initial > 0 {
			c.initialDelay = initial
		}
		if maxDelay > 0 {
			c.maxDelay = maxDelay
		}
	}
}

// WithStateDir sets where the host-wide login marker lives.
func WithStateDir(dir string) Option {
	return func(c *CLI) { c.stateDir = dir }
}

// WithCallTimeout bounds each individual CLI invocation.
func WithCallTimeout(d time.Duration) Option {
	return func(c *CLI) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithRecovery declares the remediation for an error kind.
func WithRecovery(kind Kind, fn Recovery) Option {
	return func(c *CLI) { c.recoveries[kind] = fn }
}

// New builds a CLI client. Auth-context failures recover by switching to the
// configured workspace unless overridden with WithRecovery.
func New(runner Runner, cfg config.ProviderConfig, opts ...Option) *CLI {
	if runner == nil {
		runner = ExecRunner{}
	}
	c := &CLI{
		runner:       runner,
		binary:       defaultBinary,
		cfg:          cfg,
		attempts:     defaultAttempts,
		initialDelay: defaultInitialDelay,
		maxDelay:     defaultMaxDelay,
		callTimeout:  defaultCallTimeout,
		recoveries:   map[Kind]Recovery{},
	}
	c.recoveries[KindAuthContext] = c.SwitchWorkspace
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the workspace settings the client was built with.
func (c *CLI) Config() config.ProviderConfig {
	return c.cfg
}

// EnsureLogin logs in and selects the workspace once per host; sibling
// processes wait on the same flock and then skip.
func (c *CLI) EnsureLogin(ctx context.Context) error {
	if c.stateDir == "" {
		return c.login(ctx)
	}
	ran, err := filelock.Once(ctx, c.stateDir, "provider-login-"+c.cfg.WorkspaceID, c.login)
	if err != nil {
		return err
	}
	if !ran {
		logging.Debug("provider", "login already done on this host", "workspace", c.cfg.WorkspaceID)
	}
	return nil
}

func (c *CLI) login(ctx context.Context) error {
	if err := c.Login(ctx); err != nil {
		return err
	}
	return c.SwitchWorkspace(ctx)
}

// Login authenticates the CLI, using the API token when one is configured.
func (c *CLI) Login(ctx context.Context) error {
	args := []string{"login"}
	if c.cfg.APIToken != "" {
		args = append(args, "--token-login", c.cfg.APIToken)
	}
	_, err := c.call(ctx, "login", args)
	return err
}

// SwitchWorkspace points the CLI at the configured workspace.
func (c *CLI) SwitchWorkspace(ctx context.Context) error {
	if c.cfg.WorkspaceID == "" {
		return &Error{Kind: KindFatal, Op: "workspace switch", Err: errors.New("workspace id not configured")}
	}
	_, err := c.call(ctx, "workspace switch", []string{"workspace", "switch", c.cfg.WorkspaceID})
	return err
}

// Create provisions a deployment named name and returns its id.
func (c *CLI) Create(ctx context.Context, name string) (string, error) {
	args := []string{"deployment", "create", "--name", name, "--wait"}
	args = append(args, c.workspaceArgs()...)
	if c.cfg.Region != "" {
		args = append(args, "--region", c.cfg.Region)
	}
	if c.cfg.CloudProvider != "" {
		args = append(args, "--cloud-provider", c.cfg.CloudProvider)
	}
	if _, err := c.withRetry(ctx, "deployment create", args); err != nil {
		return "", err
	}
	d, err := c.inspect(ctx, []string{"--deployment-name", name})
	if err != nil {
		return "", err
	}
	if d.ID == "" {
		return "", &Error{Kind: KindFatal, Op: "deployment create", Err: fmt.Errorf("no id reported for %s", name)}
	}
	logging.Info("provider", "deployment created", "name", name, "id", d.ID)
	return d.ID, nil
}

// Inspect returns the current state of deployment id.
func (c *CLI) Inspect(ctx context.Context, id string) (Deployment, error) {
	return c.inspect(ctx, []string{id})
}

func (c *CLI) inspect(ctx context.Context, selector []string) (Deployment, error) {
	args := append([]string{"deployment", "inspect"}, selector...)
	args = append(args, c.workspaceArgs()...)
	args = append(args, "--output", "json")
	out, err := c.withRetry(ctx, "deployment inspect", args)
	if err != nil {
		return Deployment{}, err
	}
	d, err := parseInspect([]byte(out))
	if err != nil {
		return Deployment{}, &Error{Kind: KindFatal, Op: "deployment inspect", Err: err, Output: out}
	}
	return d, nil
}

// Hibernate scales deployment id down.
func (c *CLI) Hibernate(ctx context.Context, id string) error {
	_, err := c.withRetry(ctx, "deployment hibernate", c.deploymentArgs("hibernate", id))
	return err
}

// Wake scales deployment id back up.
func (c *CLI) Wake(ctx context.Context, id string) error {
	_, err := c.withRetry(ctx, "deployment wake-up", c.deploymentArgs("wake-up", id))
	return err
}

// Delete removes deployment id.
func (c *CLI) Delete(ctx context.Context, id string) error {
	_, err := c.withRetry(ctx, "deployment delete", c.deploymentArgs("delete", id))
	return err
}

// List returns every deployment in the workspace.
func (c *CLI) List(ctx context.Context) ([]Deployment, error) {
	args := append([]string{"deployment", "list"}, c.workspaceArgs()...)
	out, err := c.withRetry(ctx, "deployment list", args)
	if err != nil {
		return nil, err
	}
	return parseList(out), nil
}

func (c *CLI) deploymentArgs(verb, id string) []string {
	args := []string{"deployment", verb, id, "--force"}
	return append(args, c.workspaceArgs()...)
}

func (c *CLI) workspaceArgs() []string {
	if c.cfg.WorkspaceID == "" {
		return nil
	}
	return []string{"--workspace-id", c.cfg.WorkspaceID}
}

// withRetry runs one CLI operation under fortify's exponential backoff.
// Transient failures are retried. A failure with a declared recovery runs the
// recovery and retries immediately once; if that retry fails the same way it
// is treated as transient and falls into normal backoff.
func (c *CLI) withRetry(ctx context.Context, op string, args []string) (string, error) {
	r := retry.New[string](retry.Config{
		MaxAttempts:   c.attempts,
		InitialDelay:  c.initialDelay,
		MaxDelay:      c.maxDelay,
		BackoffPolicy: retry.BackoffExponential,
		Multiplier:    2.0,
		Jitter:        true,
		IsRetryable:   IsTransient,
	})
	recovered := map[Kind]bool{}
	attempt := 0
	var lastErr error
	out, err := r.Do(ctx, func(ctx context.Context) (string, error) {
		attempt++
		out, err := c.attempt(ctx, op, args, recovered)
		if err != nil {
			logging.Warn("provider", "call failed", "op", op, "kind", KindOf(err), "attempt", attempt, "error", err)
		}
		lastErr = err
		return out, err
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		if lastErr != nil {
			return "", lastErr
		}
		return "", err
	}
	return out, nil
}

func (c *CLI) attempt(ctx context.Context, op string, args []string, recovered map[Kind]bool) (string, error) {
	out, err := c.call(ctx, op, args)
	if err == nil {
		return out, nil
	}
	kind := KindOf(err)
	fix, ok := c.recoveries[kind]
	if !ok || fix == nil {
		return "", err
	}
	if !recovered[kind] {
		recovered[kind] = true
		logging.Warn("provider", "recovering", "op", op, "kind", kind)
		if ferr := fix(ctx); ferr != nil {
			return "", ferr
		}
		out, err = c.call(ctx, op, args)
		if err == nil {
			return out, nil
		}
	}
	if KindOf(err) == kind {
		return "", &Error{Kind: KindTransient, Op: op, Err: err}
	}
	return "", err
}

// call runs the binary once and classifies a failure.
func (c *CLI) call(ctx context.Context, op string, args []string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()
	logging.Debug("provider", "exec", "op", op, "args", redact(args))
	stdout, stderr, err := c.runner.Run(callCtx, c.binary, args, nil)
	if err != nil {
		return "", classify(op, append(stdout, stderr...), err)
	}
	return string(stdout), nil
}

func redact(args []string) string {
	out := make([]string, len(args))
	copy(out, args)
	for i := range out {
		if i > 0 && out[i-1] == "--token-login" {
			out[i] = "***"
		}
	}
	return strings.Join(out, " ")
}

type inspectDoc struct {
	Deployment struct {
		Configuration struct {
			Name string `json:"name"`
		} `json:"configuration"`
		Metadata struct {
			DeploymentID string `json:"deployment_id"`
			Status       string `json:"status"`
			WebserverURL string `json:"webserver_url"`
		} `json:"metadata"`
	} `json:"deployment"`
}

func parseInspect(data []byte) (Deployment, error) {
	var doc inspectDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return Deployment{}, fmt.Errorf("decode inspect output: %w", err)
	}
	d := Deployment{
		ID:     doc.Deployment.Metadata.DeploymentID,
		Name:   doc.Deployment.Configuration.Name,
		Status: doc.Deployment.Metadata.Status,
		URL:    doc.Deployment.Metadata.WebserverURL,
	}
	if d.ID == "" && d.Name == "" {
		return Deployment{}, errors.New("inspect output has no deployment")
	}
	return d, nil
}

var columnSplit = regexp.MustCompile(`\s{2,}`)

// parseList reads the tabular "deployment list" output, locating columns by
// header so column order changes do not break it.
func parseList(out string) []Deployment {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return nil
	}
	header := columnSplit.Split(strings.TrimSpace(lines[0]), -1)
	nameIdx, idIdx, statusIdx := -1, -1, -1
	for i, col := range header {
		switch strings.ToUpper(strings.TrimSpace(col)) {
		case "NAME":
			nameIdx = i
		case "DEPLOYMENT ID", "ID":
			idIdx = i
		case "STATUS":
			statusIdx = i
		}
	}
	if nameIdx < 0 || idIdx < 0 {
		return nil
	}
	deployments := make([]Deployment, 0, len(lines)-1)
	for _, line := range lines[1:] {
		cols := columnSplit.Split(strings.TrimSpace(line), -1)
		if len(cols) <= nameIdx || len(cols) <= idIdx {
			continue
		}
		d := Deployment{Name: cols[nameIdx], ID: cols[idIdx]}
		if statusIdx >= 0 && statusIdx < len(cols) {
			d.Status = cols[statusIdx]
		}
		deployments = append(deployments, d)
	}
	return deployments
}
