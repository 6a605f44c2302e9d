package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/emx-mail/mailfleet/pkgs/config"
	"github.com/emx-mail/mailfleet/pkgs/event"
	"github.com/emx-mail/mailfleet/pkgs/fleet"
	"github.com/emx-mail/mailfleet/pkgs/journal"
	"github.com/emx-mail/mailfleet/pkgs/session"
)

// liveEvents prints the notifications worth showing while idling.
func liveEvents(r event.Record) {
	switch e := r.Event.(type) {
	case event.NewMail, event.Reconnecting, event.GaveUp, event.Alert, event.Ready:
	case event.Closed:
		if !e.HadError {
			return
		}
	default:
		return
	}
	fmt.Printf("%s %s\n", r.Timestamp.Local().Format(time.TimeOnly), r)
}

func section(title string) {
	fmt.Printf("\n== %s ==\n", title)
}

func handleRun(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var journalHandler event.Handler
	if cfg.JournalDir != "" {
		j, err := journal.Open(cfg.JournalDir)
		if err != nil {
			return err
		}
		journalHandler = j.Handler(log)
		log.Info().Str("dir", cfg.JournalDir).Msg("journaling events")
	}

	idling := make(chan struct{})
	live := func(r event.Record) {
		select {
		case <-idling:
			liveEvents(r)
		default:
		}
	}

	fl := newFleet(cfg, log, chain(journalHandler, live))

	section("Connecting")
	if err := fl.ConnectAll(ctx); err != nil {
		log.Error().Err(err).Msg("failed to connect all accounts")
		fl.DisconnectAll()
		return err
	}
	fmt.Println("All accounts connected")

	showMailboxes(ctx, fl)
	showOpenMailbox(ctx, fl, cfg.DefaultMailbox)
	showRecent(ctx, fl, cfg.DaysBack, cfg.DefaultMailbox)

	if !cfg.EnableIdle {
		fmt.Println("\nIDLE mode is disabled. Disconnecting...")
		fl.DisconnectAll()
		return nil
	}

	section("Starting IDLE on " + cfg.DefaultMailbox)
	errs := fl.StartIdleOnAll(ctx, session.IdleOptions{Mailbox: cfg.DefaultMailbox})
	for _, name := range sortedKeys(errs) {
		if errs[name] != nil {
			fmt.Printf("[%s] IDLE failed: %v\n", name, errs[name])
		}
	}
	close(idling)
	fmt.Println("Listening for new mail. Press Ctrl+C to stop.")

	waitAndReport(ctx, fl, cfg.StatusInterval)

	section("Shutting down")
	fl.StopIdleOnAll()
	fl.DisconnectAll()
	fmt.Println("Disconnected from all accounts")
	return nil
}

func waitAndReport(ctx context.Context, fl *fleet.Coordinator, interval time.Duration) {
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Println("\nAccount status:")
			statuses := fl.AllAccountStatuses()
			for _, name := range sortedKeys(statuses) {
				fmt.Println("  " + formatStatus(name, statuses[name]))
			}
		}
	}
}

func showMailboxes(ctx context.Context, fl *fleet.Coordinator) {
	section("Mailboxes")
	lists := fl.ListAllMailboxes(ctx)
	for _, name := range sortedKeys(lists) {
		boxes := lists[name]
		if boxes == nil {
			fmt.Printf("[%s] failed to list mailboxes\n", name)
			continue
		}
		names := make([]string, len(boxes))
		for i, b := range boxes {
			names[i] = b.Name
		}
		fmt.Printf("[%s] %s\n", name, strings.Join(names, ", "))
	}
}

func showOpenMailbox(ctx context.Context, fl *fleet.Coordinator, mailbox string) {
	section("Opening " + mailbox)
	infos := fl.OpenMailboxForAll(ctx, mailbox, true)
	for _, name := range sortedKeys(infos) {
		info := infos[name]
		if info == nil {
			fmt.Printf("[%s] failed to open %s\n", name, mailbox)
			continue
		}
		fmt.Printf("[%s] %s contains %d messages (%d new)\n", name, mailbox, info.Messages.Total, info.Messages.New)
	}
}

func showRecent(ctx context.Context, fl *fleet.Coordinator, daysBack int, mailbox string) {
	section(fmt.Sprintf("Last %d days", daysBack))
	results := fl.FetchRecentFromAll(ctx, daysBack, mailbox)
	for _, name := range sortedKeys(results) {
		msgs := results[name]
		fmt.Printf("[%s] Retrieved %d messages from the last %d days\n", name, len(msgs), daysBack)
		if len(msgs) == 0 {
			continue
		}
		s := msgs[0].Summary()
		fmt.Printf("  From:    %s\n", s.From)
		fmt.Printf("  Subject: %s\n", s.Subject)
		fmt.Printf("  Date:    %s\n", s.Date)
		if s.BodyPreview != "" {
			fmt.Printf("  Preview: %s\n", strings.Join(strings.Fields(s.BodyPreview), " "))
		}
	}
}
