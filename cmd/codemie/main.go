// codemie wraps third-party AI coding assistants: it spawns them with their
// LLM traffic routed through a local proxy and derives usage metrics from
// their session logs.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"codemie/internal/agent"
	"codemie/internal/config"
	"codemie/internal/lifecycle"
	"codemie/internal/logging"
)

// set via -ldflags at release time
var (
	version = "dev"
	commit  = "none"
)

var (
	green = color.New(color.FgGreen).SprintFunc()
	red   = color.New(color.FgRed).SprintFunc()
	gray  = color.New(color.FgHiBlack).SprintFunc()
	bold  = color.New(color.Bold).SprintFunc()
)

func isTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func main() {
	if !isTTY() {
		color.NoColor = true
	}
	if err := newRootCmd().Execute(); err != nil {
		var exitErr *lifecycle.ExitCodeError
		if errors.As(err, &exitErr) {
			// the child's own output already explained the failure
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, red("error: ")+err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "codemie",
		Short: "Run AI coding assistants with managed routing and usage metrics",
		Long: bold("codemie") + ` launches a coding assistant as a child process, routes its
LLM traffic through a local proxy, and derives usage metrics from the
assistant's own session logs.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	for _, name := range agent.Names() {
		root.AddCommand(newRunCmd(name))
	}
	root.AddCommand(newVersionCmd())
	return root
}

func newRunCmd(agentName string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   agentName + " [flags] [agent arguments...]",
		Short: fmt.Sprintf("Run the %s assistant", agentName),
		Long: fmt.Sprintf(`Run the %s assistant with managed routing and metrics.

Leading --dry-run and --disable-metrics flags belong to codemie; everything
else is passed to the assistant untouched.`, agentName),
		// the assistant owns its flags; only leading codemie flags are consumed
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			args, dryRun, disableMetrics, wantHelp := splitWrapperFlags(args)
			if wantHelp {
				return cmd.Help()
			}
			settings, err := config.Load()
			if err != nil {
				return err
			}
			if dryRun {
				settings.DryRun = true
			}
			if disableMetrics {
				settings.MetricsDisabled = true
			}

			logging.Info("starting %s session (version %s)", agentName, version)
			if isTTY() {
				fmt.Fprintln(os.Stderr, gray(fmt.Sprintf("codemie %s wrapping %s", version, agentName)))
			}

			err = lifecycle.Run(context.Background(), lifecycle.Options{
				AgentName: agentName,
				Args:      args,
				Version:   version,
				Settings:  settings,
			})
			if err == nil && isTTY() {
				fmt.Fprintln(os.Stderr, green("session complete"))
			}
			return err
		},
	}
	return cmd
}

// splitWrapperFlags consumes codemie's own flags from the front of args and
// returns the remainder for the assistant.
func splitWrapperFlags(args []string) (rest []string, dryRun, disableMetrics, wantHelp bool) {
	i := 0
loop:
	for ; i < len(args); i++ {
		switch args[i] {
		case "--dry-run":
			dryRun = true
		case "--disable-metrics":
			disableMetrics = true
		case "--help", "-h":
			wantHelp = true
		case "--":
			i++
			break loop
		default:
			break loop
		}
	}
	return args[i:], dryRun, disableMetrics, wantHelp
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("codemie %s (%s) %s/%s\n", version, commit, runtime.GOOS, runtime.GOARCH)
		},
	}
}
