// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// shell.go - interactive session REPL for applock.
//
// The shell is where the lock state machine actually lives: the session
// stays resident, interactions refresh the idle clock, and the periodic
// monitor locks the session when it goes quiet.
package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"

	"github.com/jeranaias/applock/internal/config"
)

// ShellCLI provides input history and line editing for the interactive
// session.
type ShellCLI struct {
	line        *liner.State
	historyFile string
}

// NewShellCLI creates a ShellCLI with input history support.
func NewShellCLI() *ShellCLI {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	configDir, err := config.ConfigDir()
	if err != nil {
		configDir = os.TempDir()
	}

	s := &ShellCLI{
		line:        line,
		historyFile: filepath.Join(configDir, "shell_history"),
	}
	s.LoadHistory()
	return s
}

// LoadHistory loads command history from file.
func (s *ShellCLI) LoadHistory() {
	if f, err := os.Open(s.historyFile); err == nil {
		s.line.ReadHistory(f)
		f.Close()
	}
}

// ReadInput reads a line of input with the given prompt.
func (s *ShellCLI) ReadInput(prompt string) (string, error) {
	input, err := s.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		s.line.AppendHistory(input)
	}
	return input, nil
}

// SaveHistory persists command history with owner-only permissions.
func (s *ShellCLI) SaveHistory() {
	if err := config.EnsureConfigDir(); err != nil {
		return
	}
	f, err := os.OpenFile(s.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return
	}
	defer f.Close()
	s.line.WriteHistory(f)
}

// Close saves history and closes the liner.
func (s *ShellCLI) Close() {
	s.SaveHistory()
	s.line.Close()
}

const shellHelp = `Commands:
  status            Show lock policy and session state
  unlock            Enter the passcode and unlock the session
  lock              Lock the session immediately
  passcode          Create or replace the passcode
  timeout <d>       Change the idle timeout (5m, 300000, 0 to disable)
  vault put <name>  Seal a secret
  vault get <name>  Unseal a secret
  vault del <name>  Delete a secret
  attempts          Show the failed-attempt counter
  reset             Wipe passcode and policy
  help              Show this help
  exit, quit        Leave the session
`

// RunShell runs the interactive session until exit.
func RunShell(app *App, args Args) error {
	shell := NewShellCLI()
	defer shell.Close()

	app.Policy.SetEnabled(true)
	defer app.Policy.SetEnabled(false)

	// A fresh session with a passcode requirement starts locked.
	if app.Policy.Timeout() > 0 {
		has, err := app.Policy.HasStoredPasscode()
		if err != nil {
			return err
		}
		if has {
			if !promptUnlock(app) {
				return fmt.Errorf("session not unlocked")
			}
		} else {
			fmt.Fprintln(os.Stderr, "No passcode set. Use 'passcode' to create one.")
			app.Policy.Unlock("")
		}
	} else {
		app.Policy.Unlock("")
	}

	if !args.Quiet {
		fmt.Println("applock session. Type 'help' for commands.")
	}

	for {
		input, err := shell.ReadInput("applock> ")
		if err != nil {
			// Ctrl+C or EOF: leave gracefully.
			fmt.Println()
			return nil
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		// Every command is an interaction; a locked session demands the
		// passcode before anything else runs.
		if app.Policy.LockIfNeeded(true, true) {
			if !promptUnlock(app) {
				continue
			}
		}

		fields := strings.Fields(input)
		cmd := strings.ToLower(fields[0])
		rest := fields[1:]

		switch cmd {
		case "exit", "quit":
			return nil

		case "help":
			fmt.Print(shellHelp)

		case "status", "s":
			if err := HandleStatus(app, args); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}

		case "unlock":
			if !app.Policy.IsLocked() {
				fmt.Println("Session is not locked.")
				continue
			}
			promptUnlock(app)

		case "lock":
			app.Policy.Lock()

		case "passcode":
			if err := HandleSetPasscode(app, args); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}

		case "timeout":
			sub := Args{Quiet: args.Quiet}
			if len(rest) == 0 {
				sub.Subcommand = "show"
			} else {
				sub.Subcommand = "set"
				sub.Raw = rest
			}
			if err := HandleTimeout(app, sub); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}

		case "vault":
			sub := Args{Quiet: args.Quiet, Force: true}
			if len(rest) > 0 {
				sub.Subcommand = strings.ToLower(rest[0])
				sub.Raw = rest[1:]
			}
			if err := HandleVault(app, sub); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}

		case "attempts":
			fmt.Printf("Failed attempts: %d\n", app.Policy.FailedAttempts())

		case "reset":
			if err := HandleReset(app, Args{Quiet: args.Quiet}); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}

		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s (try 'help')\n", cmd)
		}
	}
}

// promptUnlock asks for the passcode until it verifies or the user gives
// up with an empty line. Reports whether the session ended up unlocked.
func promptUnlock(app *App) bool {
	for {
		passcode, err := readPasscode("Passcode (empty to cancel): ")
		if err != nil {
			return false
		}
		if passcode == "" {
			return false
		}

		ok, err := app.TryUnlock(passcode)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return false
		}
		if ok {
			return true
		}
		fmt.Fprintf(os.Stderr, "Incorrect (%d failed attempts).\n", app.Policy.FailedAttempts())
	}
}
