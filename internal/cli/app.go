// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
	"golang.org/x/time/rate"

	"github.com/jeranaias/applock/internal/account"
	"github.com/jeranaias/applock/internal/audit"
	"github.com/jeranaias/applock/internal/config"
	"github.com/jeranaias/applock/internal/policy"
	"github.com/jeranaias/applock/internal/store"
	"github.com/jeranaias/applock/internal/vault"
)

// App wires config, store, audit, vault and the lock policy together for
// CLI handlers. One App exists per process invocation.
type App struct {
	Cfg     Args
	Config  *config.Config
	Store   store.Store
	Auditor *audit.Logger
	Policy  *policy.LockPolicy
	Vault   *vault.Vault

	// limiter throttles unlock attempts; nil when throttling is disabled.
	limiter *rate.Limiter
}

// NewApp builds the full application from parsed args and configuration.
func NewApp(args Args) (*App, error) {
	var cfg *config.Config
	var err error
	if args.ConfigPath != "" {
		cfg, err = config.LoadFromPath(args.ConfigPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	storePath, err := cfg.StorePath()
	if err != nil {
		return nil, err
	}
	st, err := store.OpenSQLite(storePath)
	if err != nil {
		return nil, err
	}

	var auditor *audit.Logger
	if cfg.Audit.Enabled {
		logPath, err := cfg.AuditLogPath()
		if err != nil {
			st.Close()
			return nil, err
		}
		var opts []audit.Option
		if cfg.Audit.MaxFileSizeBytes > 0 {
			opts = append(opts, audit.WithMaxFileSize(cfg.Audit.MaxFileSizeBytes))
		}
		auditor, err = audit.New(logPath, opts...)
		if err != nil {
			st.Close()
			return nil, err
		}
	}

	saltPath, err := cfg.VaultSaltPath()
	if err != nil {
		st.Close()
		return nil, err
	}
	v := vault.New(st, saltPath)

	scope := account.Scope{OrgID: args.Org, UserID: args.User}
	p, err := policy.New(st, scope,
		policy.WithAuditLogger(auditor),
		policy.WithSecretKeeper(v),
		policy.WithTickInterval(cfg.TickInterval()),
		policy.WithPresenter(&terminalPresenter{quiet: args.Quiet}),
	)
	if err != nil {
		st.Close()
		return nil, err
	}

	// Config seeds the policy on first run; the persisted policy record is
	// authoritative from then on.
	if p.Timeout() == 0 && cfg.Timeout() > 0 {
		if err := p.SetTimeout(cfg.Timeout()); err != nil {
			st.Close()
			return nil, err
		}
	}
	if cfg.Lock.MinPasscodeLength > p.MinLength() {
		if err := p.SetMinLength(cfg.Lock.MinPasscodeLength); err != nil {
			st.Close()
			return nil, err
		}
	}

	app := &App{
		Cfg:     args,
		Config:  cfg,
		Store:   st,
		Auditor: auditor,
		Policy:  p,
		Vault:   v,
	}
	if n := cfg.Lock.MaxUnlockPerMinute; n > 0 {
		app.limiter = rate.NewLimiter(rate.Limit(float64(n)/60.0), n)
	}
	return app, nil
}

// Close releases the store.
func (a *App) Close() error {
	a.Policy.SetEnabled(false)
	return a.Store.Close()
}

// AllowAttempt reports whether another unlock attempt is permitted under
// the configured rate limit.
func (a *App) AllowAttempt() bool {
	if a.limiter == nil {
		return true
	}
	return a.limiter.Allow()
}

// TryUnlock verifies a passcode and, on success, unlocks the session and
// arms the vault with the derived secret.
func (a *App) TryUnlock(passcode string) (bool, error) {
	if !a.AllowAttempt() {
		return false, fmt.Errorf("too many attempts, slow down")
	}

	ok, err := a.Policy.Check(passcode)
	if err != nil {
		return false, err
	}
	if !ok {
		a.Policy.AddFailedAttempt()
		return false, nil
	}

	a.Policy.Unlock(passcode)
	if err := a.Vault.SetKey(a.Policy.EncryptionSecret()); err != nil {
		return true, fmt.Errorf("unlocked, but vault key setup failed: %w", err)
	}
	return true, nil
}

// terminalPresenter renders lock transitions on the terminal.
type terminalPresenter struct {
	quiet bool
}

func (t *terminalPresenter) ShowLockScreen(scope account.Scope) {
	fmt.Fprintf(os.Stderr, "\nSession locked (%s). Enter passcode to continue.\n", scope.StorageKey())
}

func (t *terminalPresenter) Notify(ev policy.Event) {
	if t.quiet {
		return
	}
	switch ev {
	case policy.EventAppLocked:
		fmt.Fprintln(os.Stderr, "[locked]")
	case policy.EventAppUnlocked:
		fmt.Fprintln(os.Stderr, "[unlocked]")
	}
}

// readPasscode reads a passcode without echo when stdin is a terminal,
// falling back to a buffered read for pipes and tests.
func readPasscode(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read passcode: %w", err)
		}
		return string(raw), nil
	}

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read passcode: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
