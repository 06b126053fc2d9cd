package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// NewDLQCommand constructs the `dlq` command group. Every subcommand talks
// to a worker's admin server and prints its JSON response.
func NewDLQCommand(baseURL BaseURLFunc) *cobra.Command {
	dlqCmd := &cobra.Command{Use: "dlq", Short: "Dead letter operations"}
	dlqCmd.PersistentFlags().String("admin", "", "Admin server URL (default $ENQ_ADMIN_URL or "+defaultAdminURL+")")

	dlqCmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Show dead letter stream length and bounds",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return call(cmd, baseURL, http.MethodGet, "/admin/dlq/stats")
			},
		},
		newDLQListCommand(baseURL),
		&cobra.Command{
			Use:   "get <id>",
			Short: "Show one dead letter entry",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return call(cmd, baseURL, http.MethodGet, "/admin/dlq/entries/"+url.PathEscape(args[0]))
			},
		},
		&cobra.Command{
			Use:   "delete <id>",
			Short: "Delete one dead letter entry",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return call(cmd, baseURL, http.MethodDelete, "/admin/dlq/entries/"+url.PathEscape(args[0]))
			},
		},
		&cobra.Command{
			Use:   "reprocess <id>",
			Short: "Append the entry's job to its source stream and remove the entry",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return call(cmd, baseURL, http.MethodPost, "/admin/dlq/reprocess/"+url.PathEscape(args[0]))
			},
		},
		newDLQPurgeCommand(baseURL),
	)
	return dlqCmd
}

func newDLQListCommand(baseURL BaseURLFunc) *cobra.Command {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letter entries, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			count, _ := cmd.Flags().GetInt("count")
			cursor, _ := cmd.Flags().GetString("cursor")
			q := url.Values{}
			q.Set("count", strconv.Itoa(count))
			if cursor != "" {
				q.Set("cursor", cursor)
			}
			return call(cmd, baseURL, http.MethodGet, "/admin/dlq/entries?"+q.Encode())
		},
	}
	listCmd.Flags().Int("count", 20, "Page size")
	listCmd.Flags().String("cursor", "", "Return entries older than this id")
	return listCmd
}

func newDLQPurgeCommand(baseURL BaseURLFunc) *cobra.Command {
	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every dead letter entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if yes, _ := cmd.Flags().GetBool("yes"); !yes {
				return fmt.Errorf("refusing to purge without --yes")
			}
			return call(cmd, baseURL, http.MethodDelete, "/admin/dlq/purge")
		},
	}
	purgeCmd.Flags().Bool("yes", false, "Confirm the purge")
	return purgeCmd
}

func call(cmd *cobra.Command, baseURL BaseURLFunc, method, path string) error {
	base, _ := cmd.Flags().GetString("admin")
	if base == "" {
		base = baseURL()
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(base, "/")+path, nil)
	if err != nil {
		return err
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}

	if res.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s: %d: %s", method, path, res.StatusCode, e.Error)
		}
		return fmt.Errorf("%s %s: %s", method, path, res.Status)
	}
	_, err = cmd.OutOrStdout().Write(body)
	return err
}
