// Package main implements dcsctl, the operator console for the Dive
// Control Server. It talks to the server's operator API over HTTP.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	authToken string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dcsctl",
	Short: "Operator console for the Dive Control Server",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("DCS_SERVER", "http://localhost:8000"), "server base URL")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", os.Getenv("DCS_TOKEN"), "bearer token for the operator API")

	sendCommandCmd.Flags().Float64("depth", 0, "target depth in meters")
	sendCommandCmd.Flags().Int64("hold", 0, "hold time at depth in seconds")
	sendCommandCmd.Flags().Int64("cycles", 1, "number of dive cycles")
	_ = sendCommandCmd.MarkFlagRequired("depth")
	_ = sendCommandCmd.MarkFlagRequired("hold")

	commandsCmd.Flags().String("mid", "", "filter by device id")
	commandsCmd.Flags().String("status", "", "filter by command status")
	divesCmd.Flags().String("mid", "", "filter by device id")
	eventsCmd.Flags().String("mid", "", "filter by device id")
	eventsCmd.Flags().String("type", "", "filter by event type")
	heartbeatsCmd.Flags().Int("limit", 50, "maximum rows")

	rootCmd.AddCommand(devicesCmd, deviceCmd, sendCommandCmd, commandsCmd,
		divesCmd, eventsCmd, heartbeatsCmd, trajectoryCmd, resetDBCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List registered devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getAndPrint("/api/v1/devices", nil)
	},
}

var deviceCmd = &cobra.Command{
	Use:   "device <mid>",
	Short: "Show one device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getAndPrint("/api/v1/devices/"+url.PathEscape(args[0]), nil)
	},
}

var sendCommandCmd = &cobra.Command{
	Use:   "send-command <mid>",
	Short: "Queue a RUN_DIVE command for a device",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		depth, _ := cmd.Flags().GetFloat64("depth")
		hold, _ := cmd.Flags().GetInt64("hold")
		cycles, _ := cmd.Flags().GetInt64("cycles")

		body := map[string]interface{}{
			"mid":             args[0],
			"target_depth_m":  depth,
			"hold_at_depth_s": hold,
			"cycles":          cycles,
		}
		return postAndPrint("/api/v1/commands", body)
	},
}

var commandsCmd = &cobra.Command{
	Use:   "commands",
	Short: "List queued and historical commands",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if mid, _ := cmd.Flags().GetString("mid"); mid != "" {
			q.Set("mid", mid)
		}
		if status, _ := cmd.Flags().GetString("status"); status != "" {
			q.Set("status", status)
		}
		return getAndPrint("/api/v1/commands", q)
	},
}

var divesCmd = &cobra.Command{
	Use:   "dives",
	Short: "List completed dives",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if mid, _ := cmd.Flags().GetString("mid"); mid != "" {
			q.Set("mid", mid)
		}
		return getAndPrint("/api/v1/dives", q)
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List audit events",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if mid, _ := cmd.Flags().GetString("mid"); mid != "" {
			q.Set("mid", mid)
		}
		if et, _ := cmd.Flags().GetString("type"); et != "" {
			q.Set("event_type", et)
		}
		return getAndPrint("/api/v1/events", q)
	},
}

var heartbeatsCmd = &cobra.Command{
	Use:   "heartbeats <mid>",
	Short: "List a device's heartbeat ledger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		q := url.Values{}
		q.Set("limit", strconv.Itoa(limit))
		return getAndPrint("/api/v1/telemetry/"+url.PathEscape(args[0])+"/heartbeats", q)
	},
}

var trajectoryCmd = &cobra.Command{
	Use:   "trajectory <mid>",
	Short: "Show a device's surface track as GeoJSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getAndPrint("/api/v1/telemetry/"+url.PathEscape(args[0])+"/trajectory", nil)
	},
}

var resetDBCmd = &cobra.Command{
	Use:   "reset-db",
	Short: "Clear all server state",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Print("This clears ALL server state. Type 'yes' to continue: ")
		var answer string
		if _, err := fmt.Scanln(&answer); err != nil || answer != "yes" {
			fmt.Println("Aborted.")
			return nil
		}
		return postAndPrint("/api/v1/admin/reset-db", nil)
	},
}

func getAndPrint(path string, query url.Values) error {
	u := serverURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return doAndPrint(req)
}

func postAndPrint(path string, body interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, serverURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return doAndPrint(req)
}

func doAndPrint(req *http.Request) error {
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
	} else {
		fmt.Println(pretty.String())
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}
