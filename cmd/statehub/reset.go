package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/basket/go-statehub/internal/persist"
	"github.com/basket/go-statehub/internal/state"
)

func runResetCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("reset", flag.ContinueOnError)
	keepUser := fs.Bool("keep-user", false, "carry the stored user identity through the reset")
	yes := fs.Bool("yes", false, "skip the confirmation prompt")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	manager, store, err := offlineManager()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()

	confirm := func() bool { return true }
	if !*yes {
		confirm = func() bool {
			fmt.Fprint(os.Stderr, "this removes all persisted state; continue? [y/N] ")
			line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
			answer := strings.ToLower(strings.TrimSpace(line))
			return answer == "y" || answer == "yes"
		}
	}

	var user any
	if *keepUser {
		user = manager.Load(ctx, state.KeyUser, persist.LoadOptions{UseBackup: true})
	}

	cleared, err := manager.ClearAll(ctx, persist.ClearOptions{Backup: true, Confirm: confirm})
	if err != nil {
		fmt.Fprintf(os.Stderr, "reset: %v\n", err)
		return 1
	}
	if !cleared {
		fmt.Fprintln(os.Stderr, "reset aborted")
		return 1
	}

	if *keepUser && user != nil {
		if err := manager.Save(ctx, state.KeyUser, user, persist.DefaultSaveOptions()); err != nil {
			fmt.Fprintf(os.Stderr, "restore user after reset: %v\n", err)
			return 1
		}
	}
	fmt.Println("persisted state reset")
	return 0
}
