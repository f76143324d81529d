package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/rvguard/rvguard/pkg/types"
)

// NewStatusCmd creates the status command. It queries a running rvguard
// instance over the status API.
func NewStatusCmd() *cobra.Command {
	var baseURL string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show feature and safety status of a running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(baseURL)
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "http://localhost:3000", "Base URL of the rvguard status API")
	return cmd
}

func runStatus(baseURL string) error {
	client := &http.Client{Timeout: 10 * time.Second}

	var status struct {
		types.SystemStatusSnapshot
		DeadlineHealth types.HealthStatus `json:"deadlineHealth"`
	}
	if err := getJSON(client, baseURL+"/api/status", &status); err != nil {
		return fmt.Errorf("fetching status: %w", err)
	}
	var safetySnap types.SafetySnapshot
	if err := getJSON(client, baseURL+"/api/safety", &safetySnap); err != nil {
		return fmt.Errorf("fetching safety status: %w", err)
	}

	bold := color.New(color.Bold)
	_, _ = bold.Printf("System: %s\n", colorOverall(status.OverallStatus))
	if safetySnap.EmergencyStopActive {
		color.Red("EMERGENCY STOP ACTIVE: %s", safetySnap.EmergencyStopReason)
	}
	fmt.Println()

	_, _ = bold.Println("Features:")
	names := make([]string, 0, len(status.Features))
	for name := range status.Features {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		f := status.Features[name]
		enabled := "enabled"
		if !f.Enabled {
			enabled = color.HiBlackString("disabled")
		}
		fmt.Printf("  %-24s %-14s %-22s %s\n",
			name, colorState(f.State), f.Classification, enabled)
	}
	fmt.Println()

	_, _ = bold.Println("Interlocks:")
	for _, il := range safetySnap.Interlocks {
		state := color.GreenString("clear")
		if il.Engaged {
			state = color.RedString("ENGAGED (%s)", il.Reason)
		}
		fmt.Printf("  %-24s %s\n", il.Name, state)
	}
	fmt.Println()
	fmt.Printf("Deadline monitor: %s\n", status.DeadlineHealth)
	return nil
}

func getJSON(client *http.Client, url string, out any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d from %s", resp.StatusCode, url)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func colorOverall(s string) string {
	switch s {
	case "healthy":
		return color.GreenString("HEALTHY")
	case "degraded":
		return color.YellowString("DEGRADED")
	default:
		return color.RedString("CRITICAL")
	}
}

func colorState(s types.FeatureState) string {
	switch s {
	case types.StateHealthy:
		return color.GreenString(string(s))
	case types.StateDegraded:
		return color.YellowString(string(s))
	case types.StateFailed, types.StateSafeShutdown:
		return color.RedString(string(s))
	default:
		return string(s)
	}
}
