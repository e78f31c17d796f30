package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tutu-network/gridcoin/internal/domain"
)

// ─── Ledger CLI ─────────────────────────────────────────────────────────────
// account open|show|audit, grant and transactions talk to the store directly;
// notifications go to the log only.

func init() {
	rootCmd.AddCommand(accountCmd)
	accountCmd.AddCommand(accountOpenCmd)
	accountCmd.AddCommand(accountShowCmd)
	accountCmd.AddCommand(accountAuditCmd)
	rootCmd.AddCommand(grantCmd)
	rootCmd.AddCommand(transactionsCmd)

	accountOpenCmd.Flags().String("kind", string(domain.OwnerUser), "owner kind: user or partner")
	grantCmd.Flags().StringP("description", "d", "Manual grant", "ledger description")
	transactionsCmd.Flags().Int("limit", 50, "maximum transactions to print")
}

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Inspect and open coin accounts",
}

func parseAccount(s string) (domain.AccountID, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid account id %q", s)
	}
	return domain.AccountID(id), nil
}

func printAccount(cmd *cobra.Command, a domain.CoinAccount) {
	fmt.Fprintf(cmd.OutOrStdout(), "account %d (%s)\n  balance: %d\n  granted: %d\n  spent:   %d\n",
		a.ID, a.Owner, a.CurrentBalance, a.TotalGrant, a.TotalSpent)
}

// ─── account open ───────────────────────────────────────────────────────────

var accountOpenCmd = &cobra.Command{
	Use:   "open OWNER_ID",
	Short: "Open an account for an owner",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid owner id %q", args[0])
		}
		kind, _ := cmd.Flags().GetString("kind")

		d, err := openDaemon(cmd.Context())
		if err != nil {
			return err
		}
		defer d.Close()

		a, err := d.Ledger.OpenAccount(cmd.Context(), domain.AccountOwner{Kind: domain.OwnerKind(kind), ID: domain.UserID(owner)})
		if err != nil {
			return err
		}
		printAccount(cmd, a)
		return nil
	},
}

// ─── account show ───────────────────────────────────────────────────────────

var accountShowCmd = &cobra.Command{
	Use:   "show ACCOUNT_ID",
	Short: "Show an account's balances",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseAccount(args[0])
		if err != nil {
			return err
		}
		d, err := openDaemon(cmd.Context())
		if err != nil {
			return err
		}
		defer d.Close()

		a, err := d.Ledger.Account(cmd.Context(), id)
		if err != nil {
			return err
		}
		printAccount(cmd, a)
		return nil
	},
}

// ─── account audit ──────────────────────────────────────────────────────────

var accountAuditCmd = &cobra.Command{
	Use:   "audit ACCOUNT_ID",
	Short: "Recompute an account's totals from its ledger history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseAccount(args[0])
		if err != nil {
			return err
		}
		d, err := openDaemon(cmd.Context())
		if err != nil {
			return err
		}
		defer d.Close()

		rep, err := d.Ledger.Audit(cmd.Context(), id)
		if err != nil {
			return err
		}
		printAccount(cmd, rep.Account)
		fmt.Fprintf(cmd.OutOrStdout(), "  credited by ledger: %d\n  debited by ledger:  %d\n", rep.Credited, rep.Debited)
		if !rep.Consistent {
			return fmt.Errorf("account %d is inconsistent with its ledger", id)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "  consistent")
		return nil
	},
}

// ─── grant ──────────────────────────────────────────────────────────────────

var grantCmd = &cobra.Command{
	Use:   "grant ACCOUNT_ID AMOUNT",
	Short: "Credit coins to an account",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseAccount(args[0])
		if err != nil {
			return err
		}
		amount, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid amount %q", args[1])
		}
		desc, _ := cmd.Flags().GetString("description")

		d, err := openDaemon(cmd.Context())
		if err != nil {
			return err
		}
		defer d.Close()

		lt, err := d.Ledger.Grant(cmd.Context(), id, amount, desc)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "transaction %d: +%d to account %d (%s)\n", lt.ID, lt.Value, lt.Destination, lt.Description)
		return nil
	},
}

// ─── transactions ───────────────────────────────────────────────────────────

var transactionsCmd = &cobra.Command{
	Use:   "transactions ACCOUNT_ID",
	Short: "List an account's ledger transactions, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseAccount(args[0])
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")

		d, err := openDaemon(cmd.Context())
		if err != nil {
			return err
		}
		defer d.Close()

		if _, err := d.Ledger.Account(cmd.Context(), id); err != nil {
			return err
		}
		n := 0
		for lt, err := range d.Ledger.GetTransactions(cmd.Context(), id) {
			if err != nil {
				return err
			}
			sign, other := "+", "grant"
			if lt.Source != nil && *lt.Source == id {
				sign, other = "-", fmt.Sprintf("to %d", lt.Destination)
			} else if lt.Source != nil {
				other = fmt.Sprintf("from %d", *lt.Source)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%6d  %s  %s%d  %-10s %s\n",
				lt.ID, lt.CreatedAt.Format("2006-01-02 15:04:05"), sign, lt.Value, other, lt.Description)
			if n++; limit > 0 && n >= limit {
				break
			}
		}
		if n == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no transactions")
		}
		return nil
	},
}
