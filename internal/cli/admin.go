package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tutu-network/gridcoin/internal/domain"
	"github.com/tutu-network/gridcoin/internal/infra/store"
)

// ─── Registry CLI ───────────────────────────────────────────────────────────
// Seed users, projects and rewards. Each command is one store transaction.

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userCreateCmd)
	rootCmd.AddCommand(projectCmd)
	projectCmd.AddCommand(projectAddCmd)
	rootCmd.AddCommand(rewardCmd)
	rewardCmd.AddCommand(rewardAddCmd)

	userCreateCmd.Flags().String("role", string(domain.RoleUser), "user, partner or admin")
	userCreateCmd.Flags().String("token", "", "client auth token for result reports")

	projectAddCmd.Flags().Int64("coins", 10, "coins per result")
	projectAddCmd.Flags().Float64("avg-minutes", 60, "average calculation time in minutes")

	rewardAddCmd.Flags().Int64("cost", 1, "coins per item")
	rewardAddCmd.Flags().Int64("stock", 1, "items available")
}

// inTx opens the store and runs fn in one transaction.
func inTx(cmd *cobra.Command, fn func(ctx context.Context, tx *store.Tx) error) error {
	d, err := openDaemon(cmd.Context())
	if err != nil {
		return err
	}
	defer d.Close()
	return d.DB.InTx(cmd.Context(), fn)
}

// ─── user ───────────────────────────────────────────────────────────────────

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users",
}

var userCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a user and its coin account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, _ := cmd.Flags().GetString("role")
		token, _ := cmd.Flags().GetString("token")

		var u domain.User
		err := inTx(cmd, func(ctx context.Context, tx *store.Tx) error {
			var err error
			u, err = tx.CreateUser(ctx, args[0], domain.Role(role), token, time.Now())
			return err
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "user %d %q (%s), account %d\n", u.ID, u.Name, u.Role, u.Account)
		return nil
	},
}

// ─── project ────────────────────────────────────────────────────────────────

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage grid projects",
}

var projectAddCmd = &cobra.Command{
	Use:   "add PROVIDER_ID SHORT_NAME NAME",
	Short: "Register or update a project",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid provider id %q", args[0])
		}
		coins, _ := cmd.Flags().GetInt64("coins")
		avg, _ := cmd.Flags().GetFloat64("avg-minutes")
		p := domain.Project{ID: id, ShortName: args[1], Name: args[2], CoinsPerResult: coins, AvgCalcMinutes: avg}

		if err := inTx(cmd, func(ctx context.Context, tx *store.Tx) error {
			return tx.UpsertProject(ctx, p)
		}); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "project %d %s (%s): %d coins, %.1f min average\n",
			p.ID, p.ShortName, p.Name, p.CoinsPerResult, p.AvgCalcMinutes)
		return nil
	},
}

// ─── reward ─────────────────────────────────────────────────────────────────

var rewardCmd = &cobra.Command{
	Use:   "reward",
	Short: "Manage partner rewards",
}

var rewardAddCmd = &cobra.Command{
	Use:   "add PARTNER_USER_ID NAME",
	Short: "Offer a reward paid into a partner's account",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		partnerID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid partner id %q", args[0])
		}
		cost, _ := cmd.Flags().GetInt64("cost")
		stock, _ := cmd.Flags().GetInt64("stock")

		var r domain.Reward
		err = inTx(cmd, func(ctx context.Context, tx *store.Tx) error {
			partner, err := tx.User(ctx, domain.UserID(partnerID))
			if err != nil {
				return err
			}
			if partner.Role != domain.RolePartner {
				return fmt.Errorf("%w: user %d is %s, not a partner", domain.ErrValidation, partner.ID, partner.Role)
			}
			r, err = tx.CreateReward(ctx, domain.Reward{
				Name:            args[1],
				PartnerAccount:  partner.Account,
				Cost:            cost,
				RemainingAmount: stock,
			})
			return err
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "reward %d %q: %d coins, %d in stock\n", r.ID, r.Name, r.Cost, r.RemainingAmount)
		return nil
	},
}
