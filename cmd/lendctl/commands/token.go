package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/luxfi/lend/pkg/api"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Inspect and manage the pool's tokens",
}

var balanceCmd = &cobra.Command{
	Use:   "balance <symbol> <owner>",
	Short: "Show a token balance",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := parseAddress("owner", args[1])
		if err != nil {
			return err
		}
		return call(cmd, func(ctx context.Context, c *api.Client) (api.AmountResult, error) {
			return c.BalanceOf(ctx, args[0], owner)
		})
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <symbol> <owner> <amount>",
	Short: "Allow the pool custody to pull tokens from owner",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := parseAddress("owner", args[1])
		if err != nil {
			return err
		}
		return call(cmd, func(ctx context.Context, c *api.Client) (api.ApproveReply, error) {
			return c.Approve(ctx, args[0], owner, args[2])
		})
	},
}

var mintCmd = &cobra.Command{
	Use:   "mint <symbol> <owner> <amount>",
	Short: "Mint tokens from the dev faucet",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := parseAddress("owner", args[1])
		if err != nil {
			return err
		}
		return call(cmd, func(ctx context.Context, c *api.Client) (api.AmountResult, error) {
			return c.Mint(ctx, args[0], owner, args[2])
		})
	},
}

func init() {
	tokenCmd.AddCommand(balanceCmd, approveCmd, mintCmd)
	rootCmd.AddCommand(tokenCmd)
}
