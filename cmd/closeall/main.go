// Command closeall hits the emergency close-all endpoint. It exists so an
// operator can flatten every position from a shell without reaching for the
// dashboard.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	var (
		baseURL = flag.String("url", "http://localhost:8080", "API base URL")
		token   = flag.String("token", os.Getenv("SIGNAL_BOT_TOKEN"), "operator JWT (defaults to SIGNAL_BOT_TOKEN)")
		yes     = flag.Bool("yes", false, "skip the confirmation prompt")
	)
	flag.Parse()

	if *token == "" {
		fmt.Fprintln(os.Stderr, "an operator token is required (-token or SIGNAL_BOT_TOKEN)")
		os.Exit(1)
	}

	if !*yes {
		fmt.Print("This will close EVERY open position at market. Type 'close' to confirm: ")
		var answer string
		fmt.Scanln(&answer)
		if answer != "close" {
			fmt.Println("aborted")
			os.Exit(1)
		}
	}

	client := &http.Client{Timeout: 2 * time.Minute}
	req, err := http.NewRequest(http.MethodPost, *baseURL+"/api/admin/close-all", bytes.NewReader(nil))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build request: %v\n", err)
		os.Exit(1)
	}
	req.Header.Set("Authorization", "Bearer "+*token)

	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "close-all failed (status %d): %s\n", resp.StatusCode, body)
		os.Exit(1)
	}

	var result struct {
		ClosedCount int `json:"closed_count"`
		FailedCount int `json:"failed_count"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		fmt.Fprintf(os.Stderr, "unexpected response: %s\n", body)
		os.Exit(1)
	}
	fmt.Printf("closed %d position(s), %d failed\n", result.ClosedCount, result.FailedCount)
	if result.FailedCount > 0 {
		os.Exit(2)
	}
}
