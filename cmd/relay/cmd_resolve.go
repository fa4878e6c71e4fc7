package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <channel>...",
	Short: "Resolve channel references",
	Long: `Resolve @usernames, t.me links or numeric ids and print the canonical
id, the title, the newest message id and whether direct forwarding is
allowed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runResolve,
}

func runResolve(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	sessionDB, tg, client, _, err := openTelegram(ctx, cfg)
	if err != nil {
		return err
	}
	defer sessionDB.Close()
	defer client.Close()
	if err := tg.Ready(); err != nil {
		return err
	}

	failed := 0
	for _, ref := range args {
		ch, err := client.Resolve(ctx, ref)
		if err != nil {
			fmt.Printf("%s: %v\n", ref, err)
			failed++
			continue
		}
		label, title, err := client.DisplayInfo(ctx, ch)
		if err != nil {
			fmt.Printf("%s: %v\n", ref, err)
			failed++
			continue
		}
		_, newest, err := client.MessageIDRange(ctx, ch)
		if err != nil {
			fmt.Printf("%s: history unreadable: %v\n", ref, err)
			failed++
			continue
		}
		direct, err := client.CanForwardDirectly(ctx, ch)
		if err != nil {
			fmt.Printf("%s: %v\n", ref, err)
			failed++
			continue
		}
		mode := "direct"
		if !direct {
			mode = "staged"
		}
		fmt.Printf("%s\n  id:      %d (%d)\n  label:   %s\n  title:   %s\n  newest:  %d\n  mode:    %s\n",
			ref, ch.ID, ch.PeerID(), label, title, newest, mode)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d channels could not be resolved", failed, len(args))
	}
	return nil
}
