// Command aquactl is the operator CLI of the AquaSmart edge controller.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	timeout   time.Duration
	limit     int
	fromFlag  string
	toFlag    string
	format    string
	outPath   string
	wait      bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	defaultServer := os.Getenv("AQUACTL_SERVER")
	if defaultServer == "" {
		defaultServer = "http://localhost:8080"
	}

	rootCmd := &cobra.Command{
		Use:           "aquactl",
		Short:         "Operate the AquaSmart edge aeration controller",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServer, "edge controller base URL")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the control loop state and the actuator status",
		RunE:  getJSON("/control/state", nil),
	}

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Leave fail-safe once the store and the actuator are healthy",
		RunE:  postJSON("/control/reset"),
	}

	optimizeCmd := &cobra.Command{
		Use:   "optimize",
		Short: "Start an optimizer run",
		RunE:  runOptimize,
	}
	optimizeCmd.Flags().BoolVar(&wait, "wait", false, "wait for the run to finish and print its result")

	thresholdsCmd := &cobra.Command{
		Use:   "thresholds",
		Short: "Show the active thresholds",
		RunE:  getJSON("/thresholds/active", nil),
	}
	thresholdsCmd.AddCommand(&cobra.Command{
		Use:   "history",
		Short: "Show every thresholds generation",
		RunE:  getJSON("/thresholds/history", nil),
	})
	thresholdsCmd.AddCommand(&cobra.Command{
		Use:   "rollback <generation>",
		Short: "Reactivate an earlier thresholds generation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJSON("/thresholds/rollback/"+url.PathEscape(args[0]))(cmd, args)
		},
	})

	readingsCmd := &cobra.Command{
		Use:   "readings [channel]",
		Short: "Show the latest readings, or the readings of one channel",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return getJSON("/readings/latest", nil)(cmd, args)
			}
			return getJSON("/readings/"+url.PathEscape(args[0]), rangeQuery)(cmd, args)
		},
	}
	addRangeFlags(readingsCmd)

	alertsCmd := &cobra.Command{
		Use:   "alerts",
		Short: "Show the most recent alerts",
		RunE:  getJSON("/alerts", limitQuery),
	}
	commandsCmd := &cobra.Command{
		Use:   "commands",
		Short: "Show the most recent actuator commands",
		RunE:  getJSON("/actuator/commands", limitQuery),
	}
	for _, c := range []*cobra.Command{alertsCmd, commandsCmd} {
		c.Flags().IntVar(&limit, "limit", 20, "number of entries")
	}

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Download the history as xlsx or csv",
		RunE:  runExport,
	}
	addRangeFlags(exportCmd)
	exportCmd.Flags().StringVar(&format, "format", "xlsx", "xlsx or csv")
	exportCmd.Flags().StringVarP(&outPath, "out", "o", "", "output file (default: stdout for csv)")

	rootCmd.AddCommand(statusCmd, resetCmd, optimizeCmd, thresholdsCmd, readingsCmd, alertsCmd, commandsCmd, exportCmd, newWatchCmd())
	return rootCmd
}

func addRangeFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&fromFlag, "from", "", "start of the range (RFC3339)")
	cmd.Flags().StringVar(&toFlag, "to", "", "end of the range (RFC3339)")
}

func rangeQuery() url.Values {
	q := url.Values{}
	if fromFlag != "" {
		q.Set("from", fromFlag)
	}
	if toFlag != "" {
		q.Set("to", toFlag)
	}
	return q
}

func limitQuery() url.Values {
	return url.Values{"limit": {fmt.Sprint(limit)}}
}

func client() *apiClient {
	return newAPIClient(serverURL, timeout)
}

// printEnvelope pretty-prints the message and data of a response
func printEnvelope(w io.Writer, env apiResponse) error {
	if env.Message != "" {
		fmt.Fprintln(w, env.Message)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, env.Data, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

func getJSON(path string, query func() url.Values) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		var q url.Values
		if query != nil {
			q = query()
		}
		env, err := client().call(cmd.Context(), http.MethodGet, path, q)
		if err != nil {
			return err
		}
		return printEnvelope(cmd.OutOrStdout(), env)
	}
}

func postJSON(path string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		env, err := client().call(cmd.Context(), http.MethodPost, path, nil)
		if err != nil {
			return err
		}
		return printEnvelope(cmd.OutOrStdout(), env)
	}
}

func runOptimize(cmd *cobra.Command, args []string) error {
	c := client()
	ctx := cmd.Context()

	var before json.RawMessage
	if env, err := c.call(ctx, http.MethodGet, "/optimizer/last", nil); err == nil {
		before = env.Data
	}

	env, err := c.call(ctx, http.MethodPost, "/optimizer/run", nil)
	if err != nil {
		return err
	}
	if !wait {
		return printEnvelope(cmd.OutOrStdout(), env)
	}

	fmt.Fprintln(cmd.ErrOrStderr(), "waiting for the optimizer run to finish...")
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		last, err := c.call(ctx, http.MethodGet, "/optimizer/last", nil)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			continue
		}
		if err != nil {
			return err
		}
		if !bytes.Equal(last.Data, before) {
			return printEnvelope(cmd.OutOrStdout(), last)
		}
	}
}

func runExport(cmd *cobra.Command, args []string) error {
	if format != "xlsx" && format != "csv" {
		return fmt.Errorf("unsupported format %q", format)
	}

	var w io.Writer = cmd.OutOrStdout()
	if outPath == "" && format == "xlsx" {
		outPath = fmt.Sprintf("aquasmart_history_%s.xlsx", time.Now().Format("20060102T150405"))
	}
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	n, err := client().download(ctx, "/export/history."+format, rangeQuery(), w)
	if err != nil {
		return err
	}
	if outPath != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d bytes to %s\n", n, outPath)
	}
	return nil
}
