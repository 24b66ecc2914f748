// applock - inactivity passcode lock for long-running sessions.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"fmt"
	"os"

	"github.com/jeranaias/applock/internal/cli"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func init() {
	// Sync version info with cli package
	cli.Version = Version
	cli.GitCommit = GitCommit
	cli.BuildDate = BuildDate
}

func main() {
	cmd, args := cli.Parse()

	switch cmd {
	case cli.CmdVersion:
		cli.PrintVersion()
		return
	case cli.CmdHelp:
		cli.PrintUsage()
		return
	}

	app, err := cli.NewApp(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "applock: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	switch cmd {
	case cli.CmdShell:
		err = cli.RunShell(app, args)
	case cli.CmdStatus:
		err = cli.HandleStatus(app, args)
	case cli.CmdSetPasscode:
		err = cli.HandleSetPasscode(app, args)
	case cli.CmdVerify:
		err = cli.HandleVerify(app, args)
	case cli.CmdTimeout:
		err = cli.HandleTimeout(app, args)
	case cli.CmdReset:
		err = cli.HandleReset(app, args)
	case cli.CmdConfig:
		err = cli.HandleConfig(app, args)
	case cli.CmdVault:
		err = cli.HandleVault(app, args)
	case cli.CmdWatch:
		err = cli.HandleWatch(app, args)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "applock: %v\n", err)
		app.Close()
		os.Exit(1)
	}
}
