package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"shiftsync/internal/intercept"
	"shiftsync/internal/metrics"
	"shiftsync/internal/queue"
	"shiftsync/internal/reconcile"
)

var daemonAddr string

func init() {
	for _, c := range []*cobra.Command{statusCmd, queueCmd, syncCmd, onlineCmd, offlineCmd} {
		c.Flags().StringVar(&daemonAddr, "addr", getenvDefault("SHIFTSYNC_ADDR", "http://localhost:8080"), "daemon address")
		rootCmd.AddCommand(c)
	}
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity, queue depth and cache usage of a running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		var st intercept.Status
		if err := call(cmd.Context(), http.MethodGet, "/_shiftsync/status", nil, &st); err != nil {
			return err
		}
		fmt.Printf("Online:     %t (platform %t)\n", st.Online, st.PlatformOnline)
		fmt.Printf("Draining:   %t\n", st.Draining)
		fmt.Printf("Queue:      %d\n", st.Queue)
		fmt.Printf("Cache:      %d entries, %s of %s\n", st.Cache.Entries,
			metrics.FormatBytes(uint64(st.Cache.Bytes)), metrics.FormatBytes(uint64(st.Cache.Budget)))
		fmt.Printf("Responses:  %d served, %d from cache\n", st.Responses.Served, st.Responses.FromCache)
		if st.Recovery.Recovered || st.Recovery.Recreated {
			fmt.Printf("Store:      repaired (recreated=%t, salvaged=%d): %s\n",
				st.Recovery.Recreated, st.Recovery.Salvaged, st.Recovery.Reason)
		}
		return nil
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List mutations waiting for reconciliation",
	RunE: func(cmd *cobra.Command, args []string) error {
		var list []queue.Summary
		if err := call(cmd.Context(), http.MethodGet, "/_shiftsync/queue", nil, &list); err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("queue is empty")
			return nil
		}
		for _, s := range list {
			line := fmt.Sprintf("%6d  %-20s %-6s %-30s captured %s  attempts %d",
				s.ID, s.Type, s.Method, s.Path, s.CapturedAt.Format(time.RFC3339), s.Attempts)
			if s.LastError != "" {
				line += "  last error: " + s.LastError
			}
			fmt.Println(line)
		}
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one drain cycle now",
	RunE: func(cmd *cobra.Command, args []string) error {
		var res reconcile.Result
		if err := call(cmd.Context(), http.MethodPost, "/_shiftsync/sync", nil, &res); err != nil {
			return err
		}
		fmt.Printf("synced %d of %d, %d failed\n", res.SyncedCount, res.TotalCount, res.FailedCount)
		if !res.Success {
			return fmt.Errorf("drain failed: %s", res.Error)
		}
		return nil
	},
}

var onlineCmd = &cobra.Command{
	Use:   "online",
	Short: "Report the platform network as up",
	RunE:  func(cmd *cobra.Command, args []string) error { return setPlatform(cmd.Context(), true) },
}

var offlineCmd = &cobra.Command{
	Use:   "offline",
	Short: "Report the platform network as down",
	RunE:  func(cmd *cobra.Command, args []string) error { return setPlatform(cmd.Context(), false) },
}

func setPlatform(ctx context.Context, up bool) error {
	var out struct {
		Online bool `json:"online"`
	}
	if err := call(ctx, http.MethodPost, "/_shiftsync/connectivity", map[string]bool{"online": up}, &out); err != nil {
		return err
	}
	fmt.Printf("server reachable: %t\n", out.Online)
	return nil
}

func call(ctx context.Context, method, path string, in, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(daemonAddr, "/")+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", daemonAddr, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(b, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, e.Error)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	return json.Unmarshal(b, out)
}
