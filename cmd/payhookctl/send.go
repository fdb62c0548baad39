package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/garrettladley/payhook/internal/signature"
	"github.com/garrettladley/payhook/internal/xhttp"
)

const maxResponseBytes = 64 << 10

func sendCmd() *cobra.Command {
	var (
		url       string
		secret    string
		file      string
		eventType string
		header    string
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Sign a payload and deliver it to a webhook endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			secret, err := resolveSecret(secret)
			if err != nil {
				return err
			}
			body, err := readBody(cmd, file)
			if err != nil {
				return err
			}
			sig, err := signature.Sign(body, secret, defaultStrategy)
			if err != nil {
				return err
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("failed to build request: %w", err)
			}
			req.Header.Set(xhttp.ContentType, "application/json")
			req.Header.Set(header, sig)
			if eventType != "" {
				req.Header.Set(xhttp.XEventType, eventType)
			}

			client := xhttp.NewHTTPClient(xhttp.WithTimeout(timeout))
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("failed to deliver: %w", err)
			}
			defer func() {
				_ = resp.Body.Close()
			}()

			respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
			if err != nil {
				return fmt.Errorf("failed to read response: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s\n%s", resp.Status, respBody)
			if resp.StatusCode >= http.StatusBadRequest {
				return fmt.Errorf("delivery rejected with %s", resp.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://localhost:8080/webhooks/default", "webhook endpoint")
	cmd.Flags().StringVar(&secret, "secret", "", "signing secret (default $WEBHOOK_SECRET)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "payload file (default stdin)")
	cmd.Flags().StringVar(&eventType, "event-type", "", "value for the X-Event-Type header")
	cmd.Flags().StringVar(&header, "header", xhttp.SignatureHeaders[0], "signature header name")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")
	return cmd
}
