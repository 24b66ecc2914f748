// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - CLI parsing and command routing for applock.
package cli

import (
	"fmt"
	"os"
	"strings"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command represents the CLI command to execute.
type Command int

const (
	CmdShell Command = iota // interactive session (default)
	CmdStatus
	CmdSetPasscode
	CmdVerify
	CmdTimeout
	CmdReset
	CmdConfig
	CmdVault
	CmdWatch
	CmdVersion
	CmdHelp
)

// Args holds parsed CLI arguments.
type Args struct {
	// Global flags
	Quiet      bool
	Verbose    bool
	JSON       bool
	Org        string // account scope organization
	User       string // account scope user
	ConfigPath string // explicit config file

	// Command-specific
	Subcommand string
	Force      bool

	// Raw args (remaining after flag parsing)
	Raw []string

	// Options holds command-specific named options
	Options map[string]string
}

const usageText = `applock - inactivity passcode lock for long-running sessions

Applock guards a session behind a passcode after a period of inactivity.
Policy (idle timeout, minimum passcode length) is persisted per account
scope; the passcode itself is stored only as a salted keyed hash.

Usage:
  applock                      Interactive session (default)
  applock status, s            Show lock policy and session state
  applock passcode             Create or replace the passcode
  applock verify               Verify a passcode without starting a session
  applock timeout [show|set]   Show or change the idle timeout
  applock vault [subcommand]   Secrets sealed under the passcode
  applock reset [--force]      Wipe passcode and policy back to defaults
  applock config [show|path]   Configuration
  applock watch                Run the idle monitor in the foreground
  applock version              Show version
  applock help                 Show this help

Vault Commands:
  applock vault put <name>     Seal a secret (value read from stdin)
  applock vault get <name>     Unseal and print a secret
  applock vault del <name>     Delete a sealed secret
  applock vault wipe           Destroy all sealed secrets and the salt

Timeout Commands:
  applock timeout show               Show the configured idle timeout
  applock timeout set <duration>     Set it (e.g. 5m, 300000ms, 0 to disable)

Global Flags:
  --org <id>        Account scope organization
  --user <id>       Account scope user
  --config <path>   Explicit config file
  --json            Output in JSON format
  -q, --quiet       Suppress non-essential output
  -v, --verbose     Verbose output

Environment:
  APPLOCK_TIMEOUT_MS, APPLOCK_MIN_PASSCODE_LENGTH, APPLOCK_TICK_SECS,
  APPLOCK_STORE_PATH, APPLOCK_AUDIT, APPLOCK_AUDIT_LOG, APPLOCK_VAULT_SALT

applock version %s
`

// PrintUsage prints usage information.
func PrintUsage() {
	fmt.Printf(usageText, Version)
}

// PrintVersion prints version information.
func PrintVersion() {
	fmt.Printf("applock version %s\n", Version)
	fmt.Printf("  Git commit: %s\n", GitCommit)
	fmt.Printf("  Build date: %s\n", BuildDate)
}

// Parse parses command-line arguments and returns the command and args.
func Parse() (Command, Args) {
	args := os.Args[1:]

	remaining, parsedArgs := parseGlobalFlags(args)

	// No remaining args: default to the interactive shell
	if len(remaining) == 0 {
		return CmdShell, parsedArgs
	}

	cmd := strings.ToLower(remaining[0])
	remaining = remaining[1:]
	parsedArgs.Raw = remaining

	switch cmd {
	case "shell":
		return CmdShell, parsedArgs

	case "status", "s":
		return CmdStatus, parsedArgs

	case "passcode", "set-passcode":
		return CmdSetPasscode, parsedArgs

	case "verify", "check":
		return CmdVerify, parsedArgs

	case "timeout":
		if len(remaining) > 0 {
			parsedArgs.Subcommand = strings.ToLower(remaining[0])
			parsedArgs.Raw = remaining[1:]
		}
		return CmdTimeout, parsedArgs

	case "vault":
		if len(remaining) > 0 {
			parsedArgs.Subcommand = strings.ToLower(remaining[0])
			parsedArgs.Raw = remaining[1:]
		}
		return CmdVault, parsedArgs

	case "reset":
		for _, a := range remaining {
			if a == "--force" || a == "-f" {
				parsedArgs.Force = true
			}
		}
		return CmdReset, parsedArgs

	case "config":
		if len(remaining) > 0 {
			parsedArgs.Subcommand = strings.ToLower(remaining[0])
			parsedArgs.Raw = remaining[1:]
		}
		return CmdConfig, parsedArgs

	case "watch":
		return CmdWatch, parsedArgs

	case "version", "--version", "-V":
		return CmdVersion, parsedArgs

	case "help", "--help", "-h":
		return CmdHelp, parsedArgs

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		return CmdHelp, parsedArgs
	}
}

// parseGlobalFlags extracts global flags, returning remaining args.
func parseGlobalFlags(args []string) ([]string, Args) {
	var remaining []string
	parsedArgs := Args{
		Options: make(map[string]string),
	}

	i := 0
	for i < len(args) {
		arg := args[i]

		switch arg {
		case "-q", "--quiet":
			parsedArgs.Quiet = true
		case "-v", "--verbose":
			parsedArgs.Verbose = true
		case "--json":
			parsedArgs.JSON = true
		case "--org":
			if i+1 < len(args) {
				i++
				parsedArgs.Org = args[i]
			}
		case "--user":
			if i+1 < len(args) {
				i++
				parsedArgs.User = args[i]
			}
		case "--config":
			if i+1 < len(args) {
				i++
				parsedArgs.ConfigPath = args[i]
			}
		default:
			switch {
			case strings.HasPrefix(arg, "--org="):
				parsedArgs.Org = strings.TrimPrefix(arg, "--org=")
			case strings.HasPrefix(arg, "--user="):
				parsedArgs.User = strings.TrimPrefix(arg, "--user=")
			case strings.HasPrefix(arg, "--config="):
				parsedArgs.ConfigPath = strings.TrimPrefix(arg, "--config=")
			default:
				remaining = append(remaining, arg)
			}
		}
		i++
	}

	return remaining, parsedArgs
}
