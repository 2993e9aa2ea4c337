package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/imeyer/flowbridge/flow"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
)

var hookEvents = []string{"topic.create", "post.save"}

func newSendCmd() *cobra.Command {
	var (
		baseURL  string
		endpoint string
		event    string
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send <topic.create|post.save> [file]",
		Short: "Replay a forum event, or make a signed test delivery",
		Long: "Without --endpoint, posts the event body to <url>/hooks/<event> of a running flowbridge.\n" +
			"With --endpoint, signs the body with --secret and delivers it once, as flowbridge would.",
		Args:      cobra.MaximumNArgs(2),
		ValidArgs: hookEvents,
		RunE: func(cmd *cobra.Command, args []string) error {
			if endpoint != "" {
				if len(args) > 1 {
					return fmt.Errorf("signed delivery takes at most one file argument")
				}
				return sendSigned(cmd, endpoint, event, timeout, args)
			}
			if len(args) == 0 {
				return fmt.Errorf("missing event, want one of %s", strings.Join(hookEvents, ", "))
			}

			hook := args[0]
			if !validHookEvent(hook) {
				return fmt.Errorf("unknown event %q, want one of %s", hook, strings.Join(hookEvents, ", "))
			}
			body, err := readJSONInput(cmd, args[1:])
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			target := strings.TrimRight(baseURL, "/") + "/hooks/" + hook
			status, resp, err := postEvent(ctx, target, body)
			if err != nil {
				return err
			}
			return printHookResponse(cmd, status, resp)
		},
	}

	cmd.Flags().StringVar(&baseURL, "url", "http://flowbridge", "flowbridge base URL")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "deliver a signed request to this URL instead")
	cmd.Flags().StringVar(&event, "event", string(flow.EventPostSave), "value of "+flow.HeaderEvent+" for signed delivery")
	cmd.Flags().DurationVar(&timeout, "timeout", flow.DefaultTimeout, "request timeout")
	return cmd
}

// sendSigned delivers the body through a Dispatcher, so the receiver sees
// exactly the headers flowbridge sends.
func sendSigned(cmd *cobra.Command, endpoint, event string, timeout time.Duration, args []string) error {
	if secret == "" {
		return errNoSecret
	}
	if event == "" {
		return fmt.Errorf("--event must not be empty")
	}
	body, err := readJSONInput(cmd, args)
	if err != nil {
		return err
	}

	cfg := flow.NewDefaultConfig()
	cfg.Secret = secret
	cfg.Timeout = timeout
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
	d := flow.NewDispatcher(cfg, nil, logger)

	out := cmd.OutOrStdout()
	if err := d.Deliver(cmd.Context(), endpoint, flow.EventType(event), json.RawMessage(body)); err != nil {
		color.New(color.FgRed).Fprintf(out, "delivery failed: %v\n", err)
		return err
	}
	color.New(color.FgGreen).Fprintf(out, "delivered %s to %s\n", event, endpoint)
	return nil
}

func readJSONInput(cmd *cobra.Command, args []string) ([]byte, error) {
	body, err := readInput(cmd, args)
	if err != nil {
		return nil, err
	}
	body = bytes.TrimSpace(body)
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("event body is not valid JSON")
	}
	return body, nil
}

func validHookEvent(event string) bool {
	for _, e := range hookEvents {
		if e == event {
			return true
		}
	}
	return false
}

func postEvent(ctx context.Context, endpoint string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "flowctl/"+version)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to send event: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

func printHookResponse(cmd *cobra.Command, status int, body []byte) error {
	out := cmd.OutOrStdout()
	doc := gjson.ParseBytes(body)

	if status >= 400 {
		color.New(color.FgRed).Fprintf(out, "HTTP %d: %s\n", status, doc.Get("error").String())
		for _, f := range doc.Get("fields").Array() {
			fmt.Fprintf(out, "  %s: %s\n", f.Get("field").String(), f.Get("message").String())
		}
		return fmt.Errorf("hook answered HTTP %d", status)
	}

	outcome := doc.Get("outcome").String()
	if outcome == string(flow.Ignored) {
		color.New(color.FgYellow).Fprintf(out, "outcome: %s\n", outcome)
	} else {
		color.New(color.FgGreen).Fprintf(out, "outcome: %s\n", outcome)
	}
	for _, key := range []string{"reason", "title", "flowId", "notice"} {
		if v := doc.Get(key); v.Exists() && v.String() != "" {
			fmt.Fprintf(out, "%s: %s\n", key, v.String())
		}
	}
	if doc.Get("delete").Bool() {
		fmt.Fprintln(out, "delete: true")
	}
	return nil
}
