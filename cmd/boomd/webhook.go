package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/marlonbarreto-git/boom-payment-core/internal/webhook"
)

func webhookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Sign and verify webhook payloads",
	}
	cmd.AddCommand(webhookSignCmd())
	cmd.AddCommand(webhookVerifyCmd())
	return cmd
}

func webhookSignCmd() *cobra.Command {
	var secret, event, data string

	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Build a canonical payload and print it with its signature",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" || event == "" {
				return errors.New("--secret and --event are required")
			}

			var payloadData any
			if data != "" {
				if err := json.Unmarshal([]byte(data), &payloadData); err != nil {
					return fmt.Errorf("--data: %w", err)
				}
			}

			body, err := webhook.Canonical(webhook.BuildPayload(event, payloadData, time.Now()))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, string(body))
			fmt.Fprintf(out, "%s: %s\n", webhook.SignatureHeader, webhook.Sign(body, secret))
			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", "", "shared signing secret")
	cmd.Flags().StringVar(&event, "event", "", "event name, e.g. transaction.created")
	cmd.Flags().StringVar(&data, "data", "", "event data as a JSON object")
	return cmd
}

func webhookVerifyCmd() *cobra.Command {
	var secret, signature string

	cmd := &cobra.Command{
		Use:   "verify [payload]",
		Short: "Check a payload against its signature (payload is read from stdin when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" || signature == "" {
				return errors.New("--secret and --signature are required")
			}

			var body []byte
			if len(args) == 1 {
				body = []byte(args[0])
			} else {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read payload: %w", err)
				}
				body = b
			}

			if !webhook.Verify(body, signature, secret) {
				return webhook.ErrSignatureMismatch
			}
			fmt.Fprintln(cmd.OutOrStdout(), "signature valid")
			return nil
		},
	}

	cmd.Flags().StringVar(&secret, "secret", "", "shared signing secret")
	cmd.Flags().StringVar(&signature, "signature", "", "hex signature from "+webhook.SignatureHeader)
	return cmd
}
