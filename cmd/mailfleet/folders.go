package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"

	"github.com/emx-mail/mailfleet/pkgs/config"
	"github.com/emx-mail/mailfleet/pkgs/email"
)

type foldersFlags struct {
	account string
}

func parseFoldersFlags(args []string) foldersFlags {
	fs := flag.NewFlagSet("folders", flag.ExitOnError)
	var f foldersFlags
	fs.StringVar(&f.account, "account", "", "Only this account")
	if err := fs.Parse(args); err != nil {
		fatal("folders: %v", err)
	}
	return f
}

func handleFolders(cfg *config.Config, log zerolog.Logger, f foldersFlags) error {
	ctx := context.Background()
	fl := newFleet(cfg, log, nil)
	defer fl.DisconnectAll()

	var lists map[string][]email.Mailbox
	if f.account != "" {
		acc, err := cfg.Account(f.account)
		if err != nil {
			return err
		}
		if err := fl.ConnectAccount(ctx, acc.Name); err != nil {
			return err
		}
		m, _ := fl.Manager(acc.Name)
		boxes, err := m.ListMailboxes(ctx)
		if err != nil {
			return err
		}
		lists = map[string][]email.Mailbox{acc.Name: boxes}
	} else {
		// Partial results are still useful; failed accounts show up below.
		if err := fl.ConnectAll(ctx); err != nil {
			log.Warn().Err(err).Msg("not every account connected")
		}
		lists = fl.ListAllMailboxes(ctx)
	}

	for _, name := range sortedKeys(lists) {
		boxes := lists[name]
		if boxes == nil {
			fmt.Printf("%s: unavailable\n", name)
			continue
		}
		fmt.Printf("%s:\n", name)
		for _, b := range boxes {
			attrs := ""
			if len(b.Attributes) > 0 {
				attrs = " [" + strings.Join(b.Attributes, " ") + "]"
			}
			fmt.Printf("  %s%s\n", b.Name, attrs)
		}
	}
	return nil
}
