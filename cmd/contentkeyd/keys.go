package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// adminClient calls the persisted-key routes of a running service.
type adminClient struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func (c *adminClient) do(method, path string) (int, []byte, error) {
	req, err := http.NewRequest(method, strings.TrimRight(c.BaseURL, "/")+path, nil)
	if err != nil {
		return 0, nil, err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b, nil
}

func newKeysCmd() *cobra.Command {
	cl := &adminClient{
		BaseURL: envOr("CONTENTKEY_URL", "http://localhost:8086"),
		Token:   envOr("CONTENTKEY_TOKEN", ""),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}

	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage persisted content keys of a running service",
	}
	keysCmd.PersistentFlags().StringVar(&cl.BaseURL, "url", cl.BaseURL, "Service base URL (env CONTENTKEY_URL)")
	keysCmd.PersistentFlags().StringVar(&cl.Token, "token", cl.Token, "Bearer token (env CONTENTKEY_TOKEN)")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List persisted key identifiers",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, body, err := cl.do(http.MethodGet, "/keys")
			if err != nil {
				return err
			}
			if status/100 != 2 {
				return fmt.Errorf("list failed: status=%d body=%s", status, string(body))
			}
			var out struct {
				Keys []string `json:"keys"`
			}
			if err := json.Unmarshal(body, &out); err != nil {
				return fmt.Errorf("list failed: %w", err)
			}
			for _, id := range out.Keys {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete one persisted key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, body, err := cl.do(http.MethodDelete, "/keys/"+url.PathEscape(args[0]))
			if err != nil {
				return err
			}
			if status/100 != 2 {
				return fmt.Errorf("delete failed: status=%d body=%s", status, string(body))
			}
			fmt.Fprintln(cmd.OutOrStdout(), "deleted", args[0])
			return nil
		},
	}

	var confirm bool
	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every persisted key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return fmt.Errorf("--yes is required to purge every persisted key")
			}
			status, body, err := cl.do(http.MethodDelete, "/keys")
			if err != nil {
				return err
			}
			if status/100 != 2 {
				return fmt.Errorf("purge failed: status=%d body=%s", status, string(body))
			}
			fmt.Fprintln(cmd.OutOrStdout(), "purged")
			return nil
		},
	}
	purgeCmd.Flags().BoolVar(&confirm, "yes", false, "Confirm the purge")

	keysCmd.AddCommand(listCmd, deleteCmd, purgeCmd)
	return keysCmd
}
