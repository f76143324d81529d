package alert

import (
	"fmt"

	"github.com/fatih/color"

	"github.com/rvguard/rvguard/pkg/types"
)

// ConsoleSink writes notifications to the terminal with color.
type ConsoleSink struct{}

// NewConsoleSink creates a new console sink.
func NewConsoleSink() *ConsoleSink {
	return &ConsoleSink{}
}

// Name returns the sink identifier.
func (s *ConsoleSink) Name() string { return "console" }

// Send writes a notification with color-coded severity.
func (s *ConsoleSink) Send(n types.Notification) error {
	var prefix string
	switch n.Level {
	case types.NotifyError:
		prefix = color.RedString("[ERROR]")
	case types.NotifyWarning:
		prefix = color.YellowString("[WARN]")
	default:
		prefix = color.CyanString("[INFO]")
	}

	if n.Feature != "" {
		fmt.Printf("%s [%s] %s\n", prefix, n.Feature, n.Message)
	} else {
		fmt.Printf("%s %s\n", prefix, n.Message)
	}
	return nil
}
