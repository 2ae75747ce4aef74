// cmd/wallet.go
package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/gridforge-ai/gridforge-cli/internal/api"
)

var historyLimit int

var walletCmd = &cobra.Command{
	Use:   "wallet",
	Short: "Inspect and fund your credit wallet",
	RunE:  runWalletShow,
}

var topupCmd = &cobra.Command{
	Use:   "topup <amount>",
	Short: "Add credits to your wallet",
	Args:  cobra.ExactArgs(1),
	RunE:  runTopUp,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent wallet transactions",
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "maximum transactions to show")
	walletCmd.AddCommand(topupCmd)
	walletCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(walletCmd)
}

func runWalletShow(cmd *cobra.Command, args []string) error {
	user := requireUser()
	client := api.NewClient(controllerURL, user)

	w, err := client.Wallet(cmd.Context())
	if err != nil {
		fail(err)
	}

	fmt.Printf("Wallet for %s\n", w.UserID)
	fmt.Printf("  Balance:   %s credits\n", w.Balance)
	fmt.Printf("  Reserved:  %s credits\n", w.Reserved)
	fmt.Printf("  Available: %s credits\n", w.Available)
	return nil
}

func runTopUp(cmd *cobra.Command, args []string) error {
	user := requireUser()
	client := api.NewClient(controllerURL, user)

	balance, err := client.TopUp(cmd.Context(), args[0], "cli-topup")
	if err != nil {
		fail(err)
	}

	color.Green("Wallet credited.")
	fmt.Printf("  New balance: %s credits\n", balance)
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	user := requireUser()
	client := api.NewClient(controllerURL, user)

	txs, err := client.History(cmd.Context(), historyLimit)
	if err != nil {
		fail(err)
	}
	if len(txs) == 0 {
		fmt.Println("No transactions.")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTYPE\tAMOUNT\tJOB\tBALANCE")
	for _, tx := range txs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			tx.CreatedAt, tx.Type, tx.Amount, tx.JobID, tx.BalanceAfter)
	}
	return tw.Flush()
}
