// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/applock/internal/config"
)

// HandleStatus prints the lock policy and session state.
func HandleStatus(app *App, args Args) error {
	hasPasscode, err := app.Policy.HasStoredPasscode()
	if err != nil {
		return err
	}

	if args.JSON {
		out := map[string]interface{}{
			"scope":               app.Policy.Scope().StorageKey(),
			"timeout_ms":          app.Policy.Timeout().Milliseconds(),
			"min_passcode_length": app.Policy.MinLength(),
			"passcode_set":        hasPasscode,
			"locked":              app.Policy.IsLocked(),
			"monitor_enabled":     app.Policy.IsEnabled(),
			"failed_attempts":     app.Policy.FailedAttempts(),
			"vault_armed":         app.Vault.HasKey(),
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Printf("Scope:            %s\n", app.Policy.Scope().StorageKey())
	if app.Policy.Timeout() == 0 {
		fmt.Printf("Idle timeout:     disabled (no passcode required)\n")
	} else {
		fmt.Printf("Idle timeout:     %s\n", app.Policy.Timeout())
	}
	fmt.Printf("Min length:       %d\n", app.Policy.MinLength())
	fmt.Printf("Passcode set:     %v\n", hasPasscode)
	fmt.Printf("Locked:           %v\n", app.Policy.IsLocked())
	fmt.Printf("Monitor enabled:  %v\n", app.Policy.IsEnabled())
	fmt.Printf("Failed attempts:  %d\n", app.Policy.FailedAttempts())
	return nil
}

// HandleSetPasscode prompts twice and stores the passcode hash.
func HandleSetPasscode(app *App, args Args) error {
	first, err := readPasscode(fmt.Sprintf("New passcode (min %d chars): ", app.Policy.MinLength()))
	if err != nil {
		return err
	}
	second, err := readPasscode("Confirm passcode: ")
	if err != nil {
		return err
	}
	if first != second {
		return fmt.Errorf("passcodes do not match")
	}

	if err := app.Policy.Store(first); err != nil {
		return err
	}
	if !args.Quiet {
		fmt.Println("Passcode stored.")
	}
	return nil
}

// HandleVerify prompts for a passcode and verifies it, unlocking the
// session and arming the vault on success.
func HandleVerify(app *App, args Args) error {
	passcode, err := readPasscode("Passcode: ")
	if err != nil {
		return err
	}

	ok, err := app.TryUnlock(passcode)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("passcode incorrect (%d failed attempts)", app.Policy.FailedAttempts())
	}
	if !args.Quiet {
		fmt.Println("Passcode verified.")
	}
	return nil
}

// HandleTimeout shows or changes the idle timeout.
func HandleTimeout(app *App, args Args) error {
	switch args.Subcommand {
	case "", "show":
		if app.Policy.Timeout() == 0 {
			fmt.Println("Idle timeout: disabled")
		} else {
			fmt.Printf("Idle timeout: %s\n", app.Policy.Timeout())
		}
		return nil

	case "set":
		if len(args.Raw) == 0 {
			return fmt.Errorf("usage: applock timeout set <duration>")
		}
		d, err := parseTimeout(args.Raw[0])
		if err != nil {
			return err
		}

		before := app.Policy.Timeout()
		if err := app.Policy.SetTimeout(d); err != nil {
			return err
		}

		if d == 0 && before != 0 {
			if !args.Quiet {
				fmt.Println("Passcode requirement removed; policy reset.")
			}
			return nil
		}

		// Enabling the timeout with no passcode on file needs a follow-up.
		if before == 0 && d > 0 {
			has, err := app.Policy.HasStoredPasscode()
			if err != nil {
				return err
			}
			if !has {
				fmt.Fprintln(os.Stderr, "No passcode set. Run 'applock passcode' to create one.")
			}
		}
		if !args.Quiet {
			fmt.Printf("Idle timeout set to %s.\n", d)
		}
		return nil

	default:
		return fmt.Errorf("unknown timeout subcommand: %s", args.Subcommand)
	}
}

// parseTimeout accepts Go durations ("5m"), bare milliseconds ("300000"),
// and "0" to disable.
func parseTimeout(s string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		if ms < 0 {
			return 0, fmt.Errorf("timeout must not be negative")
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q: use a duration like 5m or milliseconds", s)
	}
	if d < 0 {
		return 0, fmt.Errorf("timeout must not be negative")
	}
	return d, nil
}

// HandleReset wipes the passcode and policy back to defaults.
func HandleReset(app *App, args Args) error {
	if !args.Force {
		fmt.Fprint(os.Stderr, "This deletes the stored passcode and resets the policy. Continue? [y/N] ")
		reader := bufio.NewReader(os.Stdin)
		line, _ := reader.ReadString('\n')
		answer := strings.ToLower(strings.TrimSpace(line))
		if answer != "y" && answer != "yes" {
			fmt.Fprintln(os.Stderr, "Aborted.")
			return nil
		}
	}

	if err := app.Policy.Reset(); err != nil {
		return err
	}
	if !args.Quiet {
		fmt.Println("Policy reset.")
	}
	return nil
}

// HandleConfig shows configuration or its path.
func HandleConfig(app *App, args Args) error {
	switch args.Subcommand {
	case "", "show":
		if args.JSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(app.Config)
		}
		return toml.NewEncoder(os.Stdout).Encode(app.Config)

	case "path":
		path := args.ConfigPath
		if path == "" {
			var err error
			path, err = config.ConfigPath()
			if err != nil {
				return err
			}
		}
		fmt.Println(path)
		return nil

	case "init":
		if err := config.Save(app.Config); err != nil {
			return err
		}
		path, _ := config.ConfigPath()
		if !args.Quiet {
			fmt.Printf("Wrote %s\n", path)
		}
		return nil

	default:
		return fmt.Errorf("unknown config subcommand: %s", args.Subcommand)
	}
}

// HandleVault manages secrets sealed under the passcode.
func HandleVault(app *App, args Args) error {
	switch args.Subcommand {
	case "put", "get", "del", "delete":
		if len(args.Raw) == 0 {
			return fmt.Errorf("usage: applock vault %s <name>", args.Subcommand)
		}
	case "wipe":
	case "":
		return fmt.Errorf("usage: applock vault <put|get|del|wipe>")
	default:
		return fmt.Errorf("unknown vault subcommand: %s", args.Subcommand)
	}

	if args.Subcommand == "wipe" {
		if !args.Force {
			fmt.Fprint(os.Stderr, "This destroys all sealed secrets permanently. Continue? [y/N] ")
			reader := bufio.NewReader(os.Stdin)
			line, _ := reader.ReadString('\n')
			answer := strings.ToLower(strings.TrimSpace(line))
			if answer != "y" && answer != "yes" {
				fmt.Fprintln(os.Stderr, "Aborted.")
				return nil
			}
		}
		return app.Vault.Wipe()
	}

	// Every other vault operation needs the key, which needs the passcode.
	if !app.Vault.HasKey() {
		passcode, err := readPasscode("Passcode: ")
		if err != nil {
			return err
		}
		ok, err := app.TryUnlock(passcode)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("passcode incorrect")
		}
	}

	name := args.Raw[0]
	switch args.Subcommand {
	case "put":
		fmt.Fprint(os.Stderr, "Value: ")
		reader := bufio.NewReader(os.Stdin)
		value, err := reader.ReadString('\n')
		if err != nil && value == "" {
			return fmt.Errorf("failed to read value: %w", err)
		}
		value = strings.TrimRight(value, "\r\n")
		if err := app.Vault.Put(name, value); err != nil {
			return err
		}
		if !args.Quiet {
			fmt.Printf("Sealed %q.\n", name)
		}
		return nil

	case "get":
		value, ok, err := app.Vault.Fetch(name)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no secret named %q", name)
		}
		fmt.Println(value)
		return nil

	default: // del, delete
		if err := app.Vault.Delete(name); err != nil {
			return err
		}
		if !args.Quiet {
			fmt.Printf("Deleted %q.\n", name)
		}
		return nil
	}
}

// HandleWatch runs the idle monitor in the foreground until interrupted,
// hot-reloading the config file for timeout changes.
func HandleWatch(app *App, args Args) error {
	if app.Policy.Timeout() == 0 {
		return fmt.Errorf("idle timeout is disabled; set one with 'applock timeout set'")
	}

	passcode, err := readPasscode("Passcode to start session: ")
	if err != nil {
		return err
	}
	ok, err := app.TryUnlock(passcode)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("passcode incorrect")
	}

	app.Policy.SetEnabled(true)

	// Push timeout changes from the config file into the live policy.
	configPath := args.ConfigPath
	if configPath == "" {
		configPath, err = config.ConfigPath()
		if err != nil {
			return err
		}
	}
	watcher, werr := config.NewWatcher(configPath, 0, func(cfg *config.Config) {
		if err := app.Policy.SetTimeout(cfg.Timeout()); err != nil {
			fmt.Fprintf(os.Stderr, "failed to apply new timeout: %v\n", err)
			return
		}
		if !args.Quiet {
			fmt.Fprintf(os.Stderr, "config reloaded: idle timeout now %s\n", cfg.Timeout())
		}
	})
	if werr == nil {
		defer watcher.Close()
	} else if args.Verbose {
		fmt.Fprintf(os.Stderr, "config watch unavailable: %v\n", werr)
	}

	if !args.Quiet {
		fmt.Printf("Watching. Idle timeout %s, tick %s. Ctrl+C to stop.\n",
			app.Policy.Timeout(), app.Config.TickInterval())
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	app.Policy.SetEnabled(false)
	if !args.Quiet {
		fmt.Println("\nStopped.")
	}
	return nil
}
