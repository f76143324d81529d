package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rvguard/rvguard/internal/commands"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "rvguard",
		Short: "Safety control plane for RV-C vehicle automation",
		Long: `rvguard manages the lifecycle of RV-C vehicle features with safety-tier
aware orchestration: dependency-ordered startup, interlock enforcement over
chassis state, millisecond deadline monitoring of brake and emergency-stop
round-trips, and an audited emergency-stop cascade.`,
		Version: version,
	}

	root.AddCommand(
		commands.NewServeCmd(),
		commands.NewStatusCmd(),
		commands.NewValidateCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
