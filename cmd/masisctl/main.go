// Package main implements the masisctl CLI for manual operations against the masisd HTTP server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the masisd HTTP server
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "masisctl",
	Short: "CLI for masisd HTTP server operations",
	Long: `masisctl is a command-line interface for interacting with the masisd HTTP server.
It provides commands for managing workspaces, uploading documents, and running queries.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8090", "masisd server URL")
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(workspaceCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(progressCmd)

	workspaceCmd.AddCommand(workspaceCreateCmd)
	workspaceCmd.AddCommand(workspaceListCmd)
	workspaceCmd.AddCommand(workspaceDeleteCmd)

	queryCmd.Flags().IntVar(&queryMaxRetries, "max-retries", 0, "refinement retry budget (0 uses the server default)")
	uploadCmd.Flags().StringVar(&uploadFileName, "name", "", "document name (defaults to the file path)")
}

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check masisd server health",
	Long: `Check the health status of the masisd HTTP server.

Examples:
  # Check health
  masisctl health

  # Check health on a different server
  masisctl health --server http://localhost:8080`,
	RunE: runHealth,
}

var workspaceCmd = &cobra.Command{
	Use:   "workspace",
	Short: "Manage workspaces",
}

var workspaceCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a workspace",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspaceCreate,
}

var workspaceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workspaces",
	RunE:  runWorkspaceList,
}

var workspaceDeleteCmd = &cobra.Command{
	Use:   "delete <workspace-id>",
	Short: "Delete a workspace and all its documents",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkspaceDelete,
}

var uploadFileName string

// uploadCmd uploads a document into a workspace
var uploadCmd = &cobra.Command{
	Use:   "upload <workspace-id> <file>",
	Short: "Upload a document into a workspace",
	Long: `Upload a document into a workspace for ingestion.

A .json file is sent as pre-parsed units (an array of {chunk_type, text,
structured_data, ...} objects). Any other file is sent as a single text unit.

Examples:
  # Upload plain text
  masisctl upload ws-1 notes.txt

  # Upload parser output
  masisctl upload ws-1 report.json --name report.pdf`,
	Aliases: []string{"ingest"},
	Args:    cobra.ExactArgs(2),
	RunE:    runUpload,
}

var queryMaxRetries int

// queryCmd runs a question through the pipeline
var queryCmd = &cobra.Command{
	Use:   "query <workspace-id> <question>",
	Short: "Ask a question against a workspace's documents",
	Long: `Ask a question against a workspace's documents.

Examples:
  # Ask a question
  masisctl query ws-1 "What was Q3 revenue growth?"

  # Allow more refinement retries
  masisctl query ws-1 "What changed?" --max-retries 3`,
	Args: cobra.ExactArgs(2),
	RunE: runQuery,
}

var progressCmd = &cobra.Command{
	Use:   "progress <workspace-id> <document-id>",
	Short: "Show ingestion progress for a document",
	Args:  cobra.ExactArgs(2),
	RunE:  runProgress,
}

// HealthResponse matches internal/server/server.go HealthResponse
type HealthResponse struct {
	Status string `json:"status"`
}

func runHealth(cmd *cobra.Command, args []string) error {
	var resp HealthResponse
	if err := doJSON(http.MethodGet, "/health", nil, &resp); err != nil {
		return err
	}
	fmt.Printf("Server Status: %s\n", resp.Status)
	fmt.Printf("Server URL: %s\n", serverURL)
	return nil
}

func runWorkspaceCreate(cmd *cobra.Command, args []string) error {
	var ws struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	body := map[string]string{"name": args[0]}
	if err := doJSON(http.MethodPost, "/api/v1/workspaces", body, &ws); err != nil {
		return err
	}
	fmt.Println(ws.ID)
	return nil
}

func runWorkspaceList(cmd *cobra.Command, args []string) error {
	var workspaces []struct {
		ID        string    `json:"id"`
		Name      string    `json:"name"`
		CreatedAt time.Time `json:"created_at"`
	}
	if err := doJSON(http.MethodGet, "/api/v1/workspaces", nil, &workspaces); err != nil {
		return err
	}
	for _, ws := range workspaces {
		fmt.Printf("%s\t%s\t%s\n", ws.ID, ws.Name, ws.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func runWorkspaceDelete(cmd *cobra.Command, args []string) error {
	return doJSON(http.MethodDelete, "/api/v1/workspaces/"+args[0], nil, nil)
}

func runUpload(cmd *cobra.Command, args []string) error {
	workspaceID, path := args[0], args[1]

	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file %s: %w", path, err)
	}
	if len(content) == 0 {
		return fmt.Errorf("no content to upload")
	}

	name := uploadFileName
	if name == "" {
		name = path
	}

	var units json.RawMessage
	if strings.HasSuffix(path, ".json") {
		units = content
	} else {
		units, err = json.Marshal([]map[string]string{{"chunk_type": "text", "text": string(content)}})
		if err != nil {
			return fmt.Errorf("failed to marshal units: %w", err)
		}
	}

	body := map[string]any{"file_name": name, "units": units}
	var doc struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := doJSON(http.MethodPost, "/api/v1/workspaces/"+workspaceID+"/documents", body, &doc); err != nil {
		return err
	}
	fmt.Printf("Document ID: %s\n", doc.ID)
	fmt.Printf("Status: %s\n", doc.Status)
	return nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	body := map[string]any{"query": args[1]}
	if queryMaxRetries > 0 {
		body["max_retries"] = queryMaxRetries
	}

	var result struct {
		Status                string  `json:"status"`
		Answer                string  `json:"answer"`
		Confidence            float64 `json:"confidence"`
		RequiresHumanReview   bool    `json:"requires_human_review"`
		ClarificationQuestion string  `json:"clarification_question,omitempty"`
	}
	if err := doJSON(http.MethodPost, "/api/v1/workspaces/"+args[0]+"/query", body, &result); err != nil {
		return err
	}

	if result.RequiresHumanReview {
		fmt.Fprintf(os.Stderr, "[masisctl] escalated to human review\n")
		fmt.Println(result.ClarificationQuestion)
		return nil
	}

	fmt.Println(result.Answer)
	fmt.Fprintf(os.Stderr, "\n[masisctl] status=%s confidence=%.2f\n", result.Status, result.Confidence)
	return nil
}

func runProgress(cmd *cobra.Command, args []string) error {
	var resp struct {
		Status          string `json:"status"`
		TotalChunks     int    `json:"total_chunks"`
		ProcessedChunks int    `json:"processed_chunks"`
		Error           string `json:"error,omitempty"`
	}
	path := "/api/v1/workspaces/" + args[0] + "/documents/" + args[1] + "/progress"
	if err := doJSON(http.MethodGet, path, nil, &resp); err != nil {
		return err
	}

	fmt.Printf("Status: %s\n", resp.Status)
	fmt.Printf("Chunks: %d/%d\n", resp.ProcessedChunks, resp.TotalChunks)
	if resp.Error != "" {
		fmt.Printf("Error: %s\n", resp.Error)
	}
	return nil
}

// doJSON performs one request against the server, marshaling body (when
// non-nil) and decoding the response into out (when non-nil).
func doJSON(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		reqJSON, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(reqJSON)
	}

	url := serverURL + path
	httpReq, err := http.NewRequest(method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{
		Timeout: 5 * time.Minute,
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
