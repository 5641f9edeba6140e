package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	mcp "github.com/MegaGrindStone/weather-mcp"
	"github.com/MegaGrindStone/weather-mcp/servers/weather"
	"github.com/spf13/cobra"
)

const defaultServerURL = "http://localhost:3000"

func weatherCmd() *cobra.Command {
	var (
		serverURL string
		city      string
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "weather",
		Short: "Look up the weather through the direct endpoint",
		Long: `Look up the weather of a city with a single GET /api/weather request.

Examples:
  weather-mcp weather --city=Tokyo
  weather-mcp weather --city="New York" --url=http://localhost:8080`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			report, err := fetchDirect(ctx, http.DefaultClient, serverURL, city)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), report)
			return nil
		},
	}

	cmd.Flags().StringVarP(&serverURL, "url", "u", defaultServerURL, "Base URL of the server")
	cmd.Flags().StringVar(&city, "city", "", "City to look up")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")
	_ = cmd.MarkFlagRequired("city")

	return cmd
}

func callCmd() *cobra.Command {
	var (
		serverURL    string
		city         string
		connectionID string
		timeout      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "call",
		Short: "Look up the weather through an SSE session",
		Long: `Subscribe to the server's event stream, wait until the session is ready, submit
a get-weather command and print the result delivered on the stream.

Examples:
  weather-mcp call --city=Tokyo
  weather-mcp call --city=Paris --connection-id=my-client`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client := mcp.NewSSEClient(serverURL, nil)
			stream, err := client.Subscribe(ctx, connectionID)
			if err != nil {
				return fmt.Errorf("subscribe: %w", err)
			}
			defer stream.Close()

			fmt.Fprintf(cmd.ErrOrStderr(), "connected as %s\n", stream.ID())

			env, err := client.CallTool(ctx, stream, weather.ToolName, map[string]any{"city": city})
			if err != nil {
				return fmt.Errorf("call %s: %w", weather.ToolName, err)
			}
			if env.IsError {
				return errors.New(env.Text())
			}

			fmt.Fprintln(cmd.OutOrStdout(), env.Text())
			return nil
		},
	}

	cmd.Flags().StringVarP(&serverURL, "url", "u", defaultServerURL, "Base URL of the server")
	cmd.Flags().StringVar(&city, "city", "", "City to look up")
	cmd.Flags().StringVar(&connectionID, "connection-id", "", "Connection id to request (generated when empty)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Overall timeout")
	_ = cmd.MarkFlagRequired("city")

	return cmd
}

func fetchDirect(ctx context.Context, httpClient *http.Client, serverURL, city string) (string, error) {
	u := strings.TrimRight(serverURL, "/") + "/api/weather?" + url.Values{"city": {city}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch weather: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp mcp.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
			return "", fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		}
		if errResp.Details != "" {
			return "", fmt.Errorf("%s: %s", errResp.Error, errResp.Details)
		}
		return "", errors.New(errResp.Error)
	}

	var report weather.Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	return report.Response, nil
}
