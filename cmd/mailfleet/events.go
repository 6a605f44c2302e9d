package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/emx-mail/mailfleet/pkgs/config"
	"github.com/emx-mail/mailfleet/pkgs/journal"
)

type eventsFlags struct {
	dir    string
	reader string
	limit  int
	ack    bool
}

func parseEventsFlags(args []string) eventsFlags {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	var f eventsFlags
	fs.StringVar(&f.dir, "dir", "", "Journal directory")
	fs.StringVar(&f.reader, "reader", "cli", "Reader whose position is used")
	fs.IntVar(&f.limit, "limit", 0, "Maximum events to show")
	fs.BoolVar(&f.ack, "ack", false, "Advance the reader past the shown events")
	if err := fs.Parse(args); err != nil {
		fatal("events: %v", err)
	}
	return f
}

func (a *app) handleEvents(args []string) error {
	f := parseEventsFlags(args)
	if f.dir == "" {
		cfg, err := config.Load(a.configPath)
		if err != nil {
			return fmt.Errorf("--dir not given and config unavailable: %w", err)
		}
		f.dir = cfg.JournalDir
	}
	if f.dir == "" {
		return fmt.Errorf("no journal directory: pass --dir or set journal_dir")
	}

	j, err := journal.Open(f.dir)
	if err != nil {
		return err
	}
	items, err := j.Read(f.reader, f.limit)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("No new events.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACCOUNT\tKIND\tMESSAGE")
	for _, it := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			it.Timestamp.Local().Format(time.DateTime), it.Account, it.Kind, truncate(it.Message, 80))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	last := items[len(items)-1].Position
	if f.ack {
		if err := j.Mark(f.reader, last); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "\nReader %s now at %s\n", f.reader, last)
	} else {
		fmt.Fprintf(os.Stderr, "\nLast position: %s (use --ack to mark as read)\n", last)
	}
	return nil
}
