package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marlonbarreto-git/boom-payment-core/internal/model"
	"github.com/marlonbarreto-git/boom-payment-core/internal/risk"
)

func riskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "risk",
		Short: "Risk scoring tools",
	}
	cmd.AddCommand(riskScoreCmd())
	return cmd
}

func riskScoreCmd() *cobra.Command {
	var (
		in         model.RiskInput
		cardNumber string
	)

	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score a transaction and print the assessment as JSON",
		Long: `Score a transaction. Amounts are in minor units (15000 is 150.00).

Examples:
  boomd risk score --amount 15000 --cvv --brand visa --history-total 12 --history-failed 1
  boomd risk score --amount 120000 --card "5500 0000 0000 0004"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if in.AmountMinorUnits < 0 {
				return fmt.Errorf("--amount must not be negative")
			}
			if in.CustomerHistory.Failed > in.CustomerHistory.Total {
				return fmt.Errorf("--history-failed exceeds --history-total")
			}
			if in.CardBrand == "" && cardNumber != "" {
				in.CardBrand = risk.DetectBrand(cardNumber)
			}
			in.CustomerHistory.Successful = in.CustomerHistory.Total - in.CustomerHistory.Failed

			a := risk.Score(in)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"score":    a.Score,
				"level":    a.Level,
				"decision": risk.Policy(a.Level),
				"brand":    in.CardBrand,
			})
		},
	}

	cmd.Flags().Int64Var(&in.AmountMinorUnits, "amount", 0, "amount in minor units")
	cmd.Flags().BoolVar(&in.VerificationCodeProvided, "cvv", false, "verification code was provided")
	cmd.Flags().StringVar(&in.CardBrand, "brand", "", "card brand (visa, mastercard, amex, ...)")
	cmd.Flags().StringVar(&cardNumber, "card", "", "card number to detect the brand from")
	cmd.Flags().IntVar(&in.CustomerHistory.Total, "history-total", 0, "customer's previous transactions")
	cmd.Flags().IntVar(&in.CustomerHistory.Failed, "history-failed", 0, "customer's previous failed transactions")

	return cmd
}
