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
	"gopkg.in/yaml.v2"

	"github.com/datahaven/dh-relay/relayer/api"
	"github.com/datahaven/dh-relay/relayer/config"
	"github.com/datahaven/dh-relay/relayer/fees"
	"github.com/datahaven/dh-relay/relayer/receipt"
	"github.com/datahaven/dh-relay/relayer/workflow"
)

// Output formats
const (
	OutputFormatYAML = "yaml"
	OutputFormatJSON = "json"
)

// QueryResponse represents the standard query response format from HTTP API
type QueryResponse struct {
	Data json.RawMessage `json:"data"`
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

func queryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "query",
		Aliases: []string{"q"},
		Short:   "Querying commands",
	}

	cmd.AddCommand(
		queryRequestCmd(),
		queryRetrievalCmd(),
		queryReceiptCmd(),
	)
	return cmd
}

func queryRequestCmd() *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "request <request-id>",
		Short: "Query the status of a storage request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var view workflow.StorageView
			if err := callAPI(http.MethodGet, "/api/v1/requests/"+url.PathEscape(args[0]), nil, &view); err != nil {
				return err
			}
			return printOutput(view, outputFormat)
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", OutputFormatYAML, "Output format (yaml|json)")
	return cmd
}

func queryRetrievalCmd() *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "retrieval <retrieval-id>",
		Short: "Query the status of a retrieval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var view workflow.RetrievalView
			if err := callAPI(http.MethodGet, "/api/v1/retrievals/"+url.PathEscape(args[0]), nil, &view); err != nil {
				return err
			}
			return printOutput(view, outputFormat)
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", OutputFormatYAML, "Output format (yaml|json)")
	return cmd
}

func queryReceiptCmd() *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "receipt <request-id>",
		Short: "Query the signed receipt of a confirmed request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var view receipt.View
			if err := callAPI(http.MethodGet, "/api/v1/receipts/"+url.PathEscape(args[0]), nil, &view); err != nil {
				return err
			}
			return printOutput(view, outputFormat)
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", OutputFormatYAML, "Output format (yaml|json)")
	return cmd
}

func retryCmd() *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "retry <request-or-retrieval-id>",
		Short: "Re-enqueue processing of a stuck request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.RetryResponse
			if err := callAPI(http.MethodPost, "/api/v1/requests/"+url.PathEscape(args[0])+"/retry", nil, &resp); err != nil {
				return err
			}
			return printOutput(resp, outputFormat)
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", OutputFormatYAML, "Output format (yaml|json)")
	return cmd
}

func uploadCmd() *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "upload <request-id> <ciphertext-file>",
		Short: "Upload the ciphertext of a storage request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[1], err)
			}
			var resp api.UploadResponse
			if err := callAPI(http.MethodPut, "/api/v1/uploads/"+url.PathEscape(args[0]), data, &resp); err != nil {
				return err
			}
			return printOutput(resp, outputFormat)
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", OutputFormatYAML, "Output format (yaml|json)")
	return cmd
}

// estimateCmd computes the fee locally from the configured schedule, so it
// works without a running relayer.
func estimateCmd() *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "estimate <size-bytes>",
		Short: "Estimate the storage fee for a blob size",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			size, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("size must be a non-negative integer: %w", err)
			}
			cfg, err := config.Load(homeFlag)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			schedule, err := fees.ScheduleFrom(cfg.Fees)
			if err != nil {
				return err
			}
			return printOutput(schedule.Estimate(size), outputFormat)
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", OutputFormatYAML, "Output format (yaml|json)")
	return cmd
}

// callAPI sends a request to the local query server and decodes the data
// field of the response into out.
func callAPI(method, path string, body []byte, out interface{}) error {
	port, err := getQueryServerPort()
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, fmt.Sprintf("http://localhost:%d%s", port, path), reader)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach relayer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var errResp api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil || errResp.Error == "" {
			return fmt.Errorf("server returned status %d", resp.StatusCode)
		}
		return fmt.Errorf("server error: %s", errResp.Error)
	}

	var queryResp QueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&queryResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if err := json.Unmarshal(queryResp.Data, out); err != nil {
		return fmt.Errorf("failed to unmarshal response data: %w", err)
	}
	return nil
}

// getQueryServerPort loads the config to get the query server port
func getQueryServerPort() (int, error) {
	loadedCfg, err := config.Load(homeFlag)
	if err != nil {
		return 0, fmt.Errorf("failed to load config: %w", err)
	}

	return loadedCfg.QueryServerPort, nil
}

// printOutput prints the output in the specified format
func printOutput(data interface{}, format string) error {
	switch format {
	case OutputFormatJSON:
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(data)
	case OutputFormatYAML:
		encoder := yaml.NewEncoder(os.Stdout)
		defer encoder.Close()
		return encoder.Encode(data)
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}
