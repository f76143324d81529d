package commands

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/rvguard/rvguard/internal/config"
)

// NewValidateCmd creates the validate command.
func NewValidateCmd() *cobra.Command {
	var configDir string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate rvguard.yaml without starting anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(configDir)
		},
	}
	cmd.Flags().StringVar(&configDir, "config-dir", ".", "Directory containing rvguard.yaml")
	return cmd
}

func runValidate(configDir string) error {
	_, set, err := config.Load(configDir)
	if err != nil {
		color.Red("Configuration invalid: %v", err)
		return err
	}

	order := set.StartupOrder()
	color.Green("Configuration valid: %d features", len(order))
	fmt.Println("Startup order:")
	for i, name := range order {
		def, _ := set.Get(name)
		fmt.Printf("  %2d. %-24s %s\n", i+1, name, def.Classification)
	}
	return nil
}
