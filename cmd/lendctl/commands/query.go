package commands

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/luxfi/lend/pkg/api"
	"github.com/luxfi/lend/pkg/ledger"
	"github.com/luxfi/lend/pkg/lending"
)

var positionCmd = &cobra.Command{
	Use:   "position <id>",
	Short: "Show one position, live or withdrawn",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID("position", args[0])
		if err != nil {
			return err
		}
		return call(cmd, func(ctx context.Context, c *api.Client) (ledger.Position, error) {
			return c.Position(ctx, id)
		})
	},
}

var positionsCmd = &cobra.Command{
	Use:   "positions",
	Short: "List live positions, oldest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, func(ctx context.Context, c *api.Client) ([]ledger.Position, error) {
			return c.Positions(ctx)
		})
	},
}

var loanCmd = &cobra.Command{
	Use:   "loan <id>",
	Short: "Show one loan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID("loan", args[0])
		if err != nil {
			return err
		}
		return call(cmd, func(ctx context.Context, c *api.Client) (lending.Loan, error) {
			return c.Loan(ctx, id)
		})
	},
}

var loansCmd = &cobra.Command{
	Use:   "loans",
	Short: "List loans",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var borrower common.Address
		if s, _ := cmd.Flags().GetString("borrower"); s != "" {
			addr, err := parseAddress("borrower", s)
			if err != nil {
				return err
			}
			borrower = addr
		}
		openOnly, _ := cmd.Flags().GetBool("open")
		return call(cmd, func(ctx context.Context, c *api.Client) ([]lending.Loan, error) {
			return c.Loans(ctx, borrower, openOnly)
		})
	},
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Show the head and tail of the position ledger",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, func(ctx context.Context, c *api.Client) (api.LedgerResult, error) {
			return c.Ledger(ctx)
		})
	},
}

var claimableCmd = &cobra.Command{
	Use:   "claimable <lender>",
	Short: "Show what a lender can claim",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		lender, err := parseAddress("lender", args[0])
		if err != nil {
			return err
		}
		return call(cmd, func(ctx context.Context, c *api.Client) (api.AmountResult, error) {
			return c.Claimable(ctx, lender)
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize the pool",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, func(ctx context.Context, c *api.Client) (lending.Stats, error) {
			return c.Stats(ctx)
		})
	},
}

var healthCmd = &cobra.Command{
	Use:   "health <loan-id>",
	Short: "Report whether a loan can be liquidated at the current price",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID("loan", args[0])
		if err != nil {
			return err
		}
		return call(cmd, func(ctx context.Context, c *api.Client) (map[string]interface{}, error) {
			under, err := c.IsUndercollateralized(ctx, id)
			return map[string]interface{}{"loanId": id, "undercollateralized": under}, err
		})
	},
}

var liquidatableCmd = &cobra.Command{
	Use:   "liquidatable",
	Short: "List open loans below the liquidation threshold",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, func(ctx context.Context, c *api.Client) ([]uint64, error) {
			ids, err := c.Liquidatable(ctx)
			if ids == nil {
				ids = []uint64{}
			}
			return ids, err
		})
	},
}

var requiredCollateralCmd = &cobra.Command{
	Use:   "required-collateral <amount>",
	Short: "Collateral needed to borrow amount at the current price",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, func(ctx context.Context, c *api.Client) (api.AmountResult, error) {
			return c.RequiredCollateral(ctx, args[0])
		})
	},
}

var collateralValueCmd = &cobra.Command{
	Use:   "collateral-value <amount>",
	Short: "Value of a collateral amount at the current price",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, func(ctx context.Context, c *api.Client) (api.AmountResult, error) {
			return c.ValueOfCollateral(ctx, args[0])
		})
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the node's pool configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, func(ctx context.Context, c *api.Client) (api.Info, error) {
			return c.Info(ctx)
		})
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that the node answers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, func(ctx context.Context, c *api.Client) (string, error) {
			return "pong", c.Ping(ctx)
		})
	},
}

func init() {
	loansCmd.Flags().String("borrower", "", "Only loans of this borrower")
	loansCmd.Flags().Bool("open", false, "Only open loans")

	rootCmd.AddCommand(positionCmd, positionsCmd, loanCmd, loansCmd, ledgerCmd, claimableCmd,
		statsCmd, healthCmd, liquidatableCmd, requiredCollateralCmd, collateralValueCmd, infoCmd, pingCmd)
}
