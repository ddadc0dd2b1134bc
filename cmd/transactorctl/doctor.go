package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"transactor-client/internal/adapter/token"
	"transactor-client/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

func doctorCommand(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "doctor",
		Usage: "check config, credentials and reachability",
		Action: func(cc *cli.Context) error {
			return runDoctor(cc.Context, out, cc.String("config"))
		},
	}
}

// runDoctor executes all health checks and reports results.
func runDoctor(ctx context.Context, out io.Writer, cfgPath string) error {
	// Some checks work without a loaded config.
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Workspace", Fn: checkWorkspace},
		{Name: "Credentials", Fn: checkCredentials},
		{Name: "Transactor reachable", Fn: checkReachable(ctx)},
		{Name: "Journal", Fn: checkJournal},
	}

	fmt.Fprintln(out, "transactorctl doctor")
	fmt.Fprintln(out, strings.Repeat("=", 50))

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Fprintf(out, "  [%s] %s: %s\n", result.Status, result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(out, "      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(out, strings.Repeat("-", 50))
	fmt.Fprintf(out, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)
	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

// checkConfigFile verifies the config file exists and loads cleanly.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults and TRANSACTOR_* env", cfgPath),
			}
		}
		if cfgErr != nil {
			var ve *config.ValidationError
			fix := "Check the YAML syntax and file permissions (0600 or 0644)"
			if errors.As(cfgErr, &ve) {
				fix = "Correct the fields listed above"
			}
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     fix,
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

func checkWorkspace(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
	}
	if cfg.Transactor.URL == "" {
		return CheckResult{
			Status:  StatusFail,
			Message: "transactor.url is not set",
			Fix:     "Set transactor.url or TRANSACTOR_URL",
		}
	}
	if cfg.Transactor.Workspace == "" {
		return CheckResult{
			Status:  StatusFail,
			Message: "transactor.workspace is not set",
			Fix:     "Set transactor.workspace or TRANSACTOR_WORKSPACE to the workspace UUID",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s over %s", cfg.Transactor.Workspace, cfg.Transactor.Transport),
	}
}

// checkCredentials verifies a bearer token is configured or can be signed.
func checkCredentials(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
	}
	if tok := cfg.Transactor.Token; tok != "" {
		if strings.HasPrefix(tok, "enc:") {
			return CheckResult{
				Status:  StatusFail,
				Message: "transactor.token is still encrypted",
				Fix:     "Export " + config.KeyEnv + " with the passphrase used by 'config encrypt'",
			}
		}
		claims, err := token.ParseUnverified(tok)
		if err != nil {
			return CheckResult{Status: StatusWarn, Message: "transactor.token is not a readable JWT"}
		}
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("token for account %s", claims.Account)}
	}
	if cfg.Token.Secret != "" && cfg.Token.Account != "" {
		return CheckResult{Status: StatusPass, Message: "tokens are signed from token.secret"}
	}
	return CheckResult{
		Status:  StatusFail,
		Message: "no credentials",
		Fix:     "Set transactor.token, or token.secret and token.account",
	}
}

// checkReachable dials the transactor's host.
func checkReachable(ctx context.Context) func(*config.Config) CheckResult {
	return func(cfg *config.Config) CheckResult {
		if cfg == nil || cfg.Transactor.URL == "" {
			return CheckResult{Status: StatusWarn, Message: "skipped, no transactor.url"}
		}
		u, err := endpoint(cfg.Transactor.URL, false)
		if err != nil {
			return CheckResult{Status: StatusFail, Message: err.Error()}
		}
		host := u.Host
		if u.Port() == "" {
			port := "80"
			if u.Scheme == "https" {
				port = "443"
			}
			host = net.JoinHostPort(u.Hostname(), port)
		}

		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		start := time.Now()
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", host)
		if err != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("cannot reach %s: %v", host, err),
				Fix:     "Check transactor.url and your network",
			}
		}
		conn.Close()
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("%s reachable (latency: %dms)", host, time.Since(start).Milliseconds()),
		}
	}
}

// checkJournal verifies the journal directory is writable when the journal is on.
func checkJournal(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
	}
	if !cfg.Journal.Enabled {
		return CheckResult{Status: StatusPass, Message: "disabled"}
	}
	dir := filepath.Dir(cfg.Journal.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot create %s: %v", dir, err),
			Fix:     "Point journal.path at a writable location",
		}
	}
	probe, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s is not writable: %v", dir, err),
			Fix:     "Point journal.path at a writable location",
		}
	}
	probe.Close()
	os.Remove(probe.Name())
	return CheckResult{Status: StatusPass, Message: cfg.Journal.Path}
}
