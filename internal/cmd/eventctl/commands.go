package eventctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

// errRequestFailed makes the process exit non-zero after the reply was printed.
var errRequestFailed = errors.New("request failed")

// NewRoot constructs the root eventctl command and registers its subcommands.
func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "eventctl",
		Short:         "Client for the event intake API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("url", DefaultURL, "Events API URL")

	root.AddCommand(
		newDemoCommand(),
		newSubmitCommand(),
		newListCommand(),
		newDeleteCommand(),
		newLoadCommand(),
	)
	return root
}

func clientFor(cmd *cobra.Command) *Client {
	u, _ := cmd.Flags().GetString("url")
	return NewClient(strings.TrimRight(u, "/"))
}

// newSubmitCommand constructs the `submit` subcommand.
func newSubmitCommand() *cobra.Command {
	submitCmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit one event",
		RunE: func(cmd *cobra.Command, _ []string) error {
			userID, _ := cmd.Flags().GetString("user-id")
			name, _ := cmd.Flags().GetString("event")
			rawMeta, _ := cmd.Flags().GetString("metadata")
			requestID, _ := cmd.Flags().GetString("request-id")
			if userID == "" || name == "" {
				return fmt.Errorf("--user-id and --event are required")
			}

			metadata := map[string]any{}
			if rawMeta != "" {
				if err := json.Unmarshal([]byte(rawMeta), &metadata); err != nil {
					return fmt.Errorf("invalid JSON in --metadata: %w", err)
				}
			}

			resp, err := submit(cmd.Context(), cmd.OutOrStdout(), clientFor(cmd), map[string]any{
				"event":     name,
				"user_id":   userID,
				"client_ts": time.Now().UTC().Format(time.RFC3339),
				"metadata":  metadata,
			}, requestID)
			if err != nil {
				return err
			}
			if resp.Status != http.StatusCreated {
				return errRequestFailed
			}
			return nil
		},
	}
	submitCmd.Flags().String("user-id", "", "User id")
	submitCmd.Flags().String("event", "", "Event name")
	submitCmd.Flags().String("metadata", "", "Metadata as a JSON object")
	submitCmd.Flags().String("request-id", "", "Custom X-Request-Id header value")
	return submitCmd
}

// newListCommand constructs the `list` subcommand.
func newListCommand() *cobra.Command {
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's most recent events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			userID, _ := cmd.Flags().GetString("user-id")
			limit, _ := cmd.Flags().GetInt("limit")
			if userID == "" {
				return fmt.Errorf("--user-id is required")
			}
			resp, err := list(cmd.Context(), cmd.OutOrStdout(), clientFor(cmd), userID, limit)
			if err != nil {
				return err
			}
			if resp.Status != http.StatusOK {
				return errRequestFailed
			}
			return nil
		},
	}
	listCmd.Flags().String("user-id", "", "User id")
	listCmd.Flags().Int("limit", 10, "Maximum number of events")
	return listCmd
}

// newDeleteCommand constructs the `delete` subcommand.
func newDeleteCommand() *cobra.Command {
	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a user's events, or every event with --all",
		RunE: func(cmd *cobra.Command, _ []string) error {
			userID, _ := cmd.Flags().GetString("user-id")
			all, _ := cmd.Flags().GetBool("all")
			if (userID == "") == !all {
				return fmt.Errorf("exactly one of --user-id or --all is required")
			}

			resp, err := clientFor(cmd).Delete(cmd.Context(), userID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Status: %d\n", resp.Status)
			if resp.Status != http.StatusOK {
				fmt.Fprintf(out, "Error: %s\n", resp.Message())
				return errRequestFailed
			}
			fmt.Fprintf(out, "Deleted %v stored and %v cached events\n", resp.Body["deleted_db"], resp.Body["deleted_cache"])
			return nil
		},
	}
	deleteCmd.Flags().String("user-id", "", "User id")
	deleteCmd.Flags().Bool("all", false, "Delete every event")
	return deleteCmd
}

// newDemoCommand constructs the `demo` subcommand.
func newDemoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Submit sample events, read them back and exercise the error paths",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDemo(cmd.Context(), cmd.OutOrStdout(), clientFor(cmd))
		},
	}
}

func runDemo(ctx context.Context, out io.Writer, c *Client) error {
	userID := "u_demo_" + uuid.NewString()[:8]
	fmt.Fprintf(out, "Using demo user: %s\n", userID)

	now := time.Now().UTC().Format(time.RFC3339)
	samples := []map[string]any{
		{"event": "page_view", "user_id": userID, "client_ts": now, "metadata": map[string]any{"page": "/home", "source": "direct"}},
		{"event": "button_clicked", "user_id": userID, "client_ts": now, "metadata": map[string]any{"button": "signup", "color": "blue"}},
		{"event": "signup_completed", "user_id": userID, "client_ts": now, "metadata": map[string]any{"plan": "premium", "referral": "friend"}},
	}

	accepted := 0
	for i, event := range samples {
		fmt.Fprintf(out, "\nEvent %d/%d:\n", i+1, len(samples))
		requestID := ""
		if i == len(samples)-1 {
			requestID = "demo-custom-req-" + uuid.NewString()[:8]
			fmt.Fprintf(out, "   Using custom request ID: %s\n", requestID)
		}
		resp, err := submit(ctx, out, c, event, requestID)
		if err != nil {
			return err
		}
		if resp.Status == http.StatusCreated {
			accepted++
		}
	}

	fmt.Fprintln(out)
	if _, err := list(ctx, out, c, userID, 5); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nTesting 'explode' event (should trigger error):")
	if _, err := submit(ctx, out, c, map[string]any{"event": "explode", "user_id": userID, "metadata": map[string]any{"test": "error_handling"}}, ""); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nTesting validation error (missing required field):")
	if _, err := submit(ctx, out, c, map[string]any{"user_id": userID}, ""); err != nil {
		return err
	}

	fmt.Fprintf(out, "\nDemo complete: %d/%d events accepted for %s\n", accepted, len(samples), userID)
	if accepted != len(samples) {
		return errRequestFailed
	}
	return nil
}

func submit(ctx context.Context, out io.Writer, c *Client, event map[string]any, requestID string) (*Response, error) {
	fmt.Fprintf(out, "Submitting event: %v for user %v\n", event["event"], event["user_id"])
	resp, err := c.Submit(ctx, event, requestID)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(out, "   Request ID: %s\n", resp.RequestID)
	fmt.Fprintf(out, "   Status: %d\n", resp.Status)
	if resp.Status == http.StatusCreated {
		fmt.Fprintf(out, "   Event ID: %v\n", resp.Body["id"])
	} else {
		fmt.Fprintf(out, "   Error: %s\n", resp.Message())
	}
	return resp, nil
}

func list(ctx context.Context, out io.Writer, c *Client, userID string, limit int) (*Response, error) {
	fmt.Fprintf(out, "Retrieving events for user %s\n", userID)
	resp, err := c.List(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(out, "   Request ID: %s\n", resp.RequestID)
	fmt.Fprintf(out, "   Status: %d\n", resp.Status)
	if resp.Status != http.StatusOK {
		fmt.Fprintf(out, "   Error: %s\n", resp.Message())
		return resp, nil
	}
	fmt.Fprintf(out, "   Found %v events\n", resp.Body["count"])
	events, _ := resp.Body["events"].([]any)
	for _, e := range events {
		ev, _ := e.(map[string]any)
		fmt.Fprintf(out, "       %v (ID: %v) at %v\n", ev["event"], ev["id"], ev["received_at"])
	}
	return resp, nil
}

// LoadResult summarizes a load run.
type LoadResult struct {
	Accepted int64
	Errors   int64
	Elapsed  time.Duration
}

// newLoadCommand constructs the `load` subcommand.
func newLoadCommand() *cobra.Command {
	loadCmd := &cobra.Command{
		Use:   "load",
		Short: "Submit events at a fixed rate from concurrent workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			concurrency, _ := cmd.Flags().GetInt("concurrency")
			duration, _ := cmd.Flags().GetDuration("duration")
			rps, _ := cmd.Flags().GetInt("rps")
			if concurrency <= 0 || rps <= 0 {
				return fmt.Errorf("--concurrency and --rps must be positive")
			}

			out := cmd.OutOrStdout()
			c := clientFor(cmd)
			fmt.Fprintf(out, "Starting load test on %s\n", c.BaseURL)
			fmt.Fprintf(out, "Concurrency: %d, Duration: %s, RPS: %d\n", concurrency, duration, rps)

			ctx, cancel := context.WithTimeout(cmd.Context(), duration)
			defer cancel()
			res := runLoad(ctx, c, concurrency, rate.NewLimiter(rate.Limit(rps), 100))

			total := res.Accepted + res.Errors
			fmt.Fprintln(out, "Load test finished.")
			fmt.Fprintf(out, "Total Requests: %d\n", total)
			fmt.Fprintf(out, "Successful (201 Created): %d\n", res.Accepted)
			fmt.Fprintf(out, "Errors: %d\n", res.Errors)
			fmt.Fprintf(out, "Actual RPS: %.2f\n", float64(total)/res.Elapsed.Seconds())
			return nil
		},
	}
	loadCmd.Flags().IntP("concurrency", "c", 10, "Number of concurrent workers")
	loadCmd.Flags().DurationP("duration", "d", 30*time.Second, "Duration of the load test")
	loadCmd.Flags().Int("rps", 1000, "Requests per second limit")
	return loadCmd
}

func runLoad(ctx context.Context, c *Client, concurrency int, limiter *rate.Limiter) LoadResult {
	var (
		wg               sync.WaitGroup
		accepted, failed atomic.Int64
	)
	start := time.Now()

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			userID := fmt.Sprintf("u_load_%03d", workerID)
			for {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
				resp, err := c.Submit(ctx, map[string]any{
					"event":    "load_test",
					"user_id":  userID,
					"metadata": map[string]any{"worker": workerID, "nonce": uuid.NewString()},
				}, "")
				switch {
				case err == nil && resp.Status == http.StatusCreated:
					accepted.Add(1)
				case ctx.Err() != nil:
					return
				default:
					failed.Add(1)
				}
			}
		}(i)
	}

	wg.Wait()
	return LoadResult{Accepted: accepted.Load(), Errors: failed.Load(), Elapsed: time.Since(start)}
}
