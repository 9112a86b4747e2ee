package main

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"github.com/spf13/cobra"
)

// statusView mirrors the daemon's GET /status payload.
type statusView struct {
	Running      bool           `json:"running"`
	APIAddress   string         `json:"api_address"`
	StorePath    string         `json:"store_path"`
	LockFilePath string         `json:"lock_file_path"`
	Jobs         map[string]int `json:"jobs"`
	Sidecars     []sidecarView  `json:"sidecars"`
}

type sidecarView struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon runtime status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClientFor(ctx)
			if err != nil {
				return err
			}
			status, err := client.daemonStatus(cmd.Context())
			if err != nil {
				return err
			}

			if asJSON {
				return writeJSON(cmd, status)
			}
			printStatus(cmd, status)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON instead of text")
	return cmd
}

func (c *apiClient) daemonStatus(ctx context.Context) (*statusView, error) {
	var out statusView
	if err := c.do(ctx, http.MethodGet, "/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func printStatus(cmd *cobra.Command, status *statusView) {
	out := cmd.OutOrStdout()
	state := "stopped"
	if status.Running {
		state = "running"
	}
	fmt.Fprintf(out, "Daemon:     %s\n", state)
	fmt.Fprintf(out, "API:        %s\n", status.APIAddress)
	fmt.Fprintf(out, "Store:      %s\n", status.StorePath)
	fmt.Fprintf(out, "Lock:       %s\n", status.LockFilePath)

	if len(status.Jobs) > 0 {
		names := make([]string, 0, len(status.Jobs))
		for name := range status.Jobs {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintln(out, "Jobs:")
		for _, name := range names {
			fmt.Fprintf(out, "  %-10s %d\n", name, status.Jobs[name])
		}
	}
	for _, sidecar := range status.Sidecars {
		availability := "unreachable"
		if sidecar.Available {
			availability = "available"
		}
		fmt.Fprintf(out, "Sidecar:    %s (%s)\n", sidecar.Name, availability)
	}
}
