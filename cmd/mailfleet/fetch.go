package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"github.com/emx-mail/mailfleet/pkgs/config"
	"github.com/emx-mail/mailfleet/pkgs/email"
)

type fetchFlags struct {
	account string
	folder  string
	days    int
	limit   int
	json    bool
}

func parseFetchFlags(cfg *config.Config, args []string) fetchFlags {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	var f fetchFlags
	fs.StringVar(&f.account, "account", "", "Account to fetch from")
	fs.StringVar(&f.folder, "folder", cfg.DefaultMailbox, "Mailbox to fetch from")
	fs.IntVar(&f.days, "days", cfg.DaysBack, "Days back")
	fs.IntVar(&f.limit, "limit", 20, "Maximum messages to show")
	fs.BoolVar(&f.json, "json", false, "Print JSON summaries")
	if err := fs.Parse(args); err != nil {
		fatal("fetch: %v", err)
	}
	return f
}

func handleFetch(cfg *config.Config, log zerolog.Logger, f fetchFlags) error {
	if f.account == "" {
		return fmt.Errorf("--account is required")
	}
	acc, err := cfg.Account(f.account)
	if err != nil {
		return err
	}

	ctx := context.Background()
	fl := newFleet(cfg, log, nil)
	defer fl.DisconnectAll()

	if err := fl.ConnectAccount(ctx, acc.Name); err != nil {
		return err
	}
	msgs, err := fl.FetchFromAccount(ctx, acc.Name, f.days, f.folder)
	if err != nil {
		return err
	}

	// Newest first.
	if f.limit > 0 && len(msgs) > f.limit {
		msgs = msgs[len(msgs)-f.limit:]
	}
	summaries := make([]email.Summary, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		summaries = append(summaries, msgs[i].Summary())
	}

	if f.json {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summaries)
	}

	fmt.Printf("%s: %d messages in %s from the last %d days\n\n", acc.Name, len(summaries), f.folder, f.days)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "UID\tDATE\tFROM\tSUBJECT")
	for _, s := range summaries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", s.UID, truncate(s.Date, 31), truncate(s.From, 30), truncate(s.Subject, 50))
	}
	return w.Flush()
}
