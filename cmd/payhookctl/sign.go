package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/garrettladley/payhook/internal/signature"
)

const envWebhookSecret = "WEBHOOK_SECRET"

var defaultStrategy = signature.Strategy{
	Decoding: signature.DecodingRaw,
	Digest:   signature.DigestSHA256,
	Format:   signature.FormatLowerHex,
}

func signCmd() *cobra.Command {
	var (
		secret string
		file   string
		all    bool
	)

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Print the signature of a payload for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := resolveSecret(secret)
			if err != nil {
				return err
			}
			body, err := readBody(cmd, file)
			if err != nil {
				return err
			}

			if !all {
				sig, err := signature.Sign(body, secret, defaultStrategy)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), sig)
				return nil
			}

			for _, s := range signature.Strategies() {
				sig, err := signature.Sign(body, secret, s)
				if err != nil {
					// the secret is not valid under this decoding
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-36s %s\n", s, sig)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "signing secret (default $WEBHOOK_SECRET)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "payload file (default stdin)")
	cmd.Flags().BoolVar(&all, "all", false, "print every accepted strategy")
	return cmd
}

func resolveSecret(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if s := os.Getenv(envWebhookSecret); s != "" {
		return s, nil
	}
	return "", errors.New("a secret is required: pass --secret or set " + envWebhookSecret)
}

func readBody(cmd *cobra.Command, file string) ([]byte, error) {
	if file == "" || file == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	body, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	return body, nil
}
