package commands

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/luxfi/lend/pkg/api"
	"github.com/luxfi/lend/pkg/lending"
)

var lendCmd = &cobra.Command{
	Use:   "lend <lender> <amount>",
	Short: "Deposit value tokens as a new lend position",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		lender, err := parseAddress("lender", args[0])
		if err != nil {
			return err
		}
		return call(cmd, func(ctx context.Context, c *api.Client) (api.LendReply, error) {
			id, err := c.Lend(ctx, lender, args[1])
			return api.LendReply{PositionID: id, Status: "accepted"}, err
		})
	},
}

var borrowCmd = &cobra.Command{
	Use:   "borrow <borrower> <amount>",
	Short: "Borrow against the oldest positions, posting collateral",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		borrower, err := parseAddress("borrower", args[0])
		if err != nil {
			return err
		}
		return call(cmd, func(ctx context.Context, c *api.Client) ([]lending.Loan, error) {
			return c.Borrow(ctx, borrower, args[1])
		})
	},
}

var repayCmd = &cobra.Command{
	Use:   "repay <caller> <loan-id>",
	Short: "Repay a loan and release its collateral",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return loanCall(cmd, args, (*api.Client).Repay)
	},
}

var liquidateCmd = &cobra.Command{
	Use:   "liquidate <caller> <loan-id>",
	Short: "Seize the collateral of an undercollateralized loan",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return loanCall(cmd, args, (*api.Client).Liquidate)
	},
}

func loanCall(cmd *cobra.Command, args []string, fn func(*api.Client, context.Context, common.Address, uint64) (lending.Loan, error)) error {
	caller, err := parseAddress("caller", args[0])
	if err != nil {
		return err
	}
	id, err := parseID("loan", args[1])
	if err != nil {
		return err
	}
	return call(cmd, func(ctx context.Context, c *api.Client) (lending.Loan, error) {
		return fn(c, ctx, caller, id)
	})
}

var withdrawCmd = &cobra.Command{
	Use:   "withdraw <caller> <position-id>",
	Short: "Withdraw what is left of a position and close it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		caller, err := parseAddress("caller", args[0])
		if err != nil {
			return err
		}
		id, err := parseID("position", args[1])
		if err != nil {
			return err
		}
		return call(cmd, func(ctx context.Context, c *api.Client) (api.AmountResult, error) {
			return c.Withdraw(ctx, caller, id)
		})
	},
}

var claimCmd = &cobra.Command{
	Use:   "claim <caller>",
	Short: "Collect principal repaid to withdrawn positions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		caller, err := parseAddress("caller", args[0])
		if err != nil {
			return err
		}
		return call(cmd, func(ctx context.Context, c *api.Client) (api.AmountResult, error) {
			return c.Claim(ctx, caller)
		})
	},
}

var leverageCmd = &cobra.Command{
	Use:   "leverage <borrower> <own-funds> <borrowed-funds>",
	Short: "Borrow, swap own and borrowed funds into collateral and lock it",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		borrower, err := parseAddress("borrower", args[0])
		if err != nil {
			return err
		}
		return call(cmd, func(ctx context.Context, c *api.Client) ([]lending.Loan, error) {
			return c.BuyWithLeverage(ctx, borrower, args[1], args[2])
		})
	},
}

var priceCmd = &cobra.Command{
	Use:   "price",
	Short: "Show the last broadcast price",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, func(ctx context.Context, c *api.Client) (api.PriceReply, error) {
			return c.Price(ctx)
		})
	},
}

var priceSetCmd = &cobra.Command{
	Use:   "set <broadcaster> <price>",
	Short: "Broadcast a new collateral price, scaled by the price precision",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		caller, err := parseAddress("broadcaster", args[0])
		if err != nil {
			return err
		}
		return call(cmd, func(ctx context.Context, c *api.Client) (api.PriceReply, error) {
			if err := c.UpdatePrice(ctx, caller, args[1]); err != nil {
				return api.PriceReply{}, err
			}
			return c.Price(ctx)
		})
	},
}

func init() {
	priceCmd.AddCommand(priceSetCmd)
	rootCmd.AddCommand(lendCmd, borrowCmd, repayCmd, liquidateCmd, withdrawCmd, claimCmd, leverageCmd, priceCmd)
}
