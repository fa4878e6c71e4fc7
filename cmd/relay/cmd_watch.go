package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blockedby/tg-relay/internal/events"
	"github.com/blockedby/tg-relay/internal/nats"
	"github.com/blockedby/tg-relay/internal/publisher"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow relay events published to NATS",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().String("consumer", "relay-watch", "Durable consumer name")
	watchCmd.Flags().String("type", "", "Only show one event type, e.g. rate.limited")
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.NatsURL == "" {
		return fmt.Errorf("NATS_URL is not set")
	}

	ctx, cancel := signalContext()
	defer cancel()

	nc, err := nats.New(ctx, cfg.NatsURL)
	if err != nil {
		return err
	}
	defer nc.Close()
	if err := nc.EnsureEventStream(ctx); err != nil {
		return err
	}

	subject := nats.EventSubjects
	if t, _ := cmd.Flags().GetString("type"); t != "" {
		subject = publisher.Subject(events.Type(t))
	}
	consumer, _ := cmd.Flags().GetString("consumer")

	stop, err := nc.Subscribe(ctx, consumer, subject, func(data []byte) error {
		var e events.Event
		if err := json.Unmarshal(data, &e); err != nil {
			// malformed payloads are acked and dropped
			fmt.Printf("unreadable event: %v\n", err)
			return nil
		}
		fmt.Println(formatEvent(e))
		return nil
	})
	if err != nil {
		return err
	}
	defer stop()

	<-ctx.Done()
	return nil
}

func formatEvent(e events.Event) string {
	line := fmt.Sprintf("%s #%d %-22s", e.Time.Format("15:04:05"), e.Seq, e.Type)
	if e.RunID != "" {
		line += " run=" + e.RunID
	}
	if e.Source != 0 {
		line += fmt.Sprintf(" source=%d", e.Source)
	}
	if e.Dest != 0 {
		line += fmt.Sprintf(" dest=%d", e.Dest)
	}
	if e.Group != "" {
		line += " group=" + e.Group
	}
	if len(e.MessageIDs) > 0 {
		line += fmt.Sprintf(" ids=%v", e.MessageIDs)
	}
	if e.Wait > 0 {
		line += fmt.Sprintf(" wait=%.0fs", e.Wait)
	}
	if e.Error != "" {
		line += " error=" + e.Error
	}
	return line
}
