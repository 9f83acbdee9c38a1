package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"aicpusched/pkg/types"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the models of a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolveConfig(os.Getenv)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			st, err := fetchStatus(ctx, http.DefaultClient, baseURL(cfg.Addr))
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")
	return cmd
}

// baseURL turns a listen address such as ":8080" into a client URL.
func baseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

func fetchStatus(ctx context.Context, client *http.Client, base string) (types.StatusResponse, error) {
	var st types.StatusResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/status", nil)
	if err != nil {
		return st, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return st, fmt.Errorf("query %s: %w", base, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return st, fmt.Errorf("query %s: %s: %s", base, resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

func statusColor(s string) *color.Color {
	switch s {
	case "running", "idle":
		return green
	case "loading", "stopped", "abort":
		return yellow
	case "error":
		return red
	}
	return cyan
}

func printStatus(w io.Writer, st types.StatusResponse) error {
	cyan.Fprintf(w, "state %s  uptime %ds  loads %d  parked %d  dispatch pending %d\n",
		st.State, st.UptimeSeconds, st.LoadsTotal, st.ParkedStreams, st.DispatchPending)
	if st.Error != "" {
		red.Fprintf(w, "error: %s\n", st.Error)
	}
	if len(st.Models) == 0 {
		fmt.Fprintln(w, "no models loaded")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tSTATUS\tITER\tRET\tSTREAMS\tIN\tOUT\tASYNC")
	for _, m := range st.Models {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\t%d\t%d\t%d/%d\n",
			m.ModelID, statusColor(m.Status).Sprint(m.Status), m.Iterations, m.RetCode,
			len(m.Streams), len(m.InputQueues), len(m.OutputQueues),
			m.AsyncRelease.Pending, m.AsyncRelease.Workers)
	}
	return tw.Flush()
}
