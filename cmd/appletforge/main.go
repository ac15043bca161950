package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	root := &cobra.Command{
		Use:   "appletforge",
		Short: "package, install, and render applet packages",
	}
	root.PersistentFlags().String("config", "", "path to a TOML config file")

	root.AddCommand(
		packCmd(),
		installCmd(),
		uninstallCmd(),
		listCmd(),
		renderCmd(),
		serveCmd(),
	)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
