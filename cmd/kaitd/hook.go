package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"kait/internal/ingest"
	"kait/internal/types"
)

// hookCmd is the agent-side entry point: one event on stdin, POSTed to the
// local daemon. For pre_tool events any advice in the reply is printed to
// stdout so the agent runtime can surface it.
var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Forward one event from stdin to the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := io.ReadAll(io.LimitReader(os.Stdin, 8<<20))
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		var e types.Event
		if err := json.Unmarshal(body, &e); err != nil {
			return fmt.Errorf("parse event: %v: %w", err, types.ErrBadInput)
		}
		if err := e.Validate(); err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		token, err := ingest.LoadToken(cfg.DataRoot)
		if err != nil {
			return err
		}

		resp, err := postJSON(
			fmt.Sprintf("http://%s:%d/events", cfg.Ingest.BindAddr, cfg.Ingest.Port),
			token, body)
		if err != nil {
			// The hook must never stall the agent: report and move on.
			fmt.Fprintf(os.Stderr, "kaitd hook: %v\n", err)
			return nil
		}

		if len(resp.Advice) > 0 {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(resp.Advice)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the daemon's /status snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		url := fmt.Sprintf("http://%s:%d/status", cfg.Ingest.BindAddr, cfg.Ingest.Port)
		httpResp, err := httpClient().Get(url)
		if err != nil {
			return fmt.Errorf("daemon unreachable: %w", err)
		}
		defer httpResp.Body.Close()
		_, err = io.Copy(os.Stdout, httpResp.Body)
		return err
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print the bearer token, generating it if absent",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		token, err := ingest.LoadToken(cfg.DataRoot)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

// postResponse mirrors the ingest daemon's POST /events reply.
type postResponse struct {
	Accepted int                `json:"accepted"`
	Advice   []types.AdviceItem `json:"advice,omitempty"`
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 5 * time.Second}
}

func postJSON(url, token string, body []byte) (*postResponse, error) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := httpClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusAccepted {
		msg, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		return nil, fmt.Errorf("daemon answered %d: %s", httpResp.StatusCode, bytes.TrimSpace(msg))
	}
	var resp postResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
