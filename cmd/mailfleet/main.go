package main

import (
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
)

const version = "1.0.0"

// app holds global options parsed from the command line
type app struct {
	configPath string
	verbose    bool
}

func main() {
	a := &app{}

	// Global flags
	flag.StringVarP(&a.configPath, "config", "c", "", "Config file (default: $MAILFLEET_CONFIG)")
	flag.BoolVarP(&a.verbose, "verbose", "v", false, "Debug logging")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Usage = printUsage
	flag.CommandLine.SetInterspersed(false)
	flag.Parse()

	if *showVersion {
		fmt.Printf("mailfleet v%s\n", version)
		os.Exit(0)
	}

	cmd := "run"
	args := flag.Args()
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	// These don't need a full config.
	switch cmd {
	case "init":
		if err := handleInit(a.configPath, args); err != nil {
			fatal("init: %v", err)
		}
		return
	case "events":
		if err := a.handleEvents(args); err != nil {
			fatal("events: %v", err)
		}
		return
	case "password":
		if err := handlePassword(args); err != nil {
			fatal("password: %v", err)
		}
		return
	case "help":
		printUsage()
		os.Exit(0)
	}

	cfg, log := a.loadConfig()

	switch cmd {
	case "run":
		if err := handleRun(cfg, log); err != nil {
			fatal("run: %v", err)
		}
	case "folders":
		opts := parseFoldersFlags(args)
		if err := handleFolders(cfg, log, opts); err != nil {
			fatal("folders: %v", err)
		}
	case "fetch":
		opts := parseFetchFlags(cfg, args)
		if err := handleFetch(cfg, log, opts); err != nil {
			fatal("fetch: %v", err)
		}
	default:
		fatal("unknown command '%s'", cmd)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `mailfleet v%s - Watch many IMAP accounts at once

Usage:
  mailfleet [global options] [command] [command options]

Commands:
  run        Connect all accounts, show recent mail, then IDLE (default)
  folders    List mailboxes of all accounts
  fetch      Show recent messages of one account
  events     Show journaled account events
  password   Store or remove an account password in the system keyring
  init       Write an example configuration file

Global Options:
  -c, --config <path>  Config file (YAML or JSON, default: $MAILFLEET_CONFIG)
  -v, --verbose        Debug logging
  --version            Show version information

Config Resolution:
  Built-in defaults, then the config file, then environment variables
  (IMAP_USER_n, IMAP_PASSWORD_n, IMAP_HOST_n, DEFAULT_MAILBOX, ...).

Folders Options:
  --account <name>     Only this account

Fetch Options:
  --account <name>     Account to fetch from (required)
  --folder <name>      Mailbox (default: config default_mailbox)
  --days <n>           Days back (default: config days_back)
  --limit <n>          Maximum messages to show (default: 20)
  --json               Print JSON summaries

Events Options:
  --dir <path>         Journal directory (default: config journal_dir)
  --reader <name>      Reader whose position is used (default: cli)
  --limit <n>          Maximum events to show
  --ack                Advance the reader past the shown events

Password:
  mailfleet password set <account>     Read a password from stdin and store it
  mailfleet password delete <account>  Remove the stored password

Examples:
  mailfleet init
  mailfleet -c mailfleet.yaml
  mailfleet folders
  mailfleet fetch --account work --days 7
  mailfleet password set personal
  mailfleet events --ack
`, version)
}
