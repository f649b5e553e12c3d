package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiKey    string
	userID    string
	sessionID string
	timeoutMS int64
)

func main() {
	root := &cobra.Command{
		Use:   "shellchat-cli",
		Short: "CLI client for the shellchat backend",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("SHELLCHAT_API_KEY"), "API key")
	root.PersistentFlags().StringVarP(&userID, "user", "u", "local", "User ID")
	root.PersistentFlags().StringVarP(&sessionID, "session", "s", "default", "Session ID")

	chatCmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Send one chat message",
		Args:  cobra.ExactArgs(1),
		RunE:  runChat,
	}
	root.AddCommand(chatCmd)

	execCmd := &cobra.Command{
		Use:   "exec [command]",
		Short: "Run a command in your sandbox",
		Args:  cobra.ExactArgs(1),
		RunE:  runExec,
	}
	execCmd.Flags().Int64Var(&timeoutMS, "timeout-ms", 0, "Command timeout in milliseconds (0 = auto)")
	root.AddCommand(execCmd)

	root.AddCommand(&cobra.Command{
		Use:   "usage",
		Short: "Show execution usage stats",
		RunE:  runUsage,
	})

	root.AddCommand(&cobra.Command{
		Use:   "cleanup",
		Short: "Destroy all of your sandboxes",
		RunE:  runCleanup,
	})

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	body := map[string]string{
		"user_id":    userID,
		"session_id": sessionID,
		"message":    args[0],
	}

	var resp struct {
		Reply   string  `json:"reply"`
		Command string  `json:"command"`
		Output  string  `json:"output"`
		Cost    float64 `json:"cost"`
	}
	if err := postJSON("/chat", body, &resp); err != nil {
		return err
	}

	fmt.Println(resp.Reply)
	if resp.Command != "" {
		fmt.Printf("\n[ran: %s, cost $%.4f]\n", resp.Command, resp.Cost)
	}
	return nil
}

func runExec(cmd *cobra.Command, args []string) error {
	body := map[string]any{
		"user_id":    userID,
		"session_id": sessionID,
		"command":    args[0],
	}
	if timeoutMS > 0 {
		body["timeout_ms"] = timeoutMS
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	// Stream output as it arrives.
	req, err := http.NewRequest(http.MethodPost, serverURL+"/execute/stream", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	return printSSE(resp.Body)
}

func printSSE(body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var event string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			switch event {
			case "stdout":
				fmt.Print(data)
			case "stderr":
				fmt.Fprint(os.Stderr, data)
			case "error":
				fmt.Fprintln(os.Stderr, "error:", data)
			case "done":
				var summary struct {
					Success    bool    `json:"success"`
					ExitCode   int     `json:"exit_code"`
					DurationMS int64   `json:"duration_ms"`
					Cost       float64 `json:"cost"`
					Hint       string  `json:"hint"`
				}
				if err := json.Unmarshal([]byte(data), &summary); err == nil {
					fmt.Printf("\n[exit %d in %s, cost $%.4f]\n",
						summary.ExitCode,
						(time.Duration(summary.DurationMS) * time.Millisecond).String(),
						summary.Cost)
					if summary.Hint != "" {
						fmt.Println(summary.Hint)
					}
				}
			}
		case line == "":
			event = ""
		}
	}
	return scanner.Err()
}

func runUsage(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	q.Set("user_id", userID)
	if sessionID != "" && sessionID != "default" {
		q.Set("session_id", sessionID)
	}

	var resp struct {
		Stats struct {
			TotalExecutions   int64   `json:"total_executions"`
			TotalCost         float64 `json:"total_cost"`
			AverageDurationMS float64 `json:"average_duration_ms"`
			SuccessRate       float64 `json:"success_rate"`
		} `json:"stats"`
	}
	if err := getJSON("/usage?"+q.Encode(), &resp); err != nil {
		return err
	}

	fmt.Printf("Executions:   %d\n", resp.Stats.TotalExecutions)
	fmt.Printf("Total cost:   $%.4f\n", resp.Stats.TotalCost)
	fmt.Printf("Avg duration: %.0fms\n", resp.Stats.AverageDurationMS)
	fmt.Printf("Success rate: %.1f%%\n", resp.Stats.SuccessRate)
	return nil
}

func runCleanup(cmd *cobra.Command, args []string) error {
	req, err := http.NewRequest(http.MethodDelete, serverURL+"/sandboxes?user_id="+url.QueryEscape(userID), nil)
	if err != nil {
		return err
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	resp, err := (&http.Client{Timeout: 30 * time.Second}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var result struct {
		Destroyed int `json:"destroyed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return err
	}
	fmt.Printf("Destroyed %d sandbox(es)\n", result.Destroyed)
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	var resp struct {
		Status          string `json:"status"`
		Database        bool   `json:"database"`
		SandboxProvider bool   `json:"sandbox_provider"`
		ActiveSandboxes int    `json:"active_sandboxes"`
		Uptime          string `json:"uptime"`
	}
	if err := getJSON("/health", &resp); err != nil {
		return err
	}

	fmt.Printf("Status:           %s\n", resp.Status)
	fmt.Printf("Database:         %v\n", resp.Database)
	fmt.Printf("Sandbox provider: %v\n", resp.SandboxProvider)
	fmt.Printf("Active sandboxes: %d\n", resp.ActiveSandboxes)
	fmt.Printf("Uptime:           %s\n", resp.Uptime)
	return nil
}

func postJSON(path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, serverURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, serverURL+path, nil)
	if err != nil {
		return err
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	resp, err := (&http.Client{Timeout: 30 * time.Second}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
