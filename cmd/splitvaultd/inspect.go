package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/betbot/splitvault/internal/events"
	"github.com/betbot/splitvault/pkg/wallet"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ok: %d tokens, %d feeds, %d implementations, %d strategies\n",
			len(cfg.Tokens), len(cfg.Feeds), len(cfg.Implementations), len(cfg.Strategies))
		return nil
	},
}

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Print role and owner accounts derived from the mnemonic",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		k, err := wallet.NewKeyring(cfg.Accounts.Mnemonic)
		if err != nil {
			return err
		}
		rows := []struct {
			name  string
			index uint32
		}{{"admin", cfg.Accounts.Admin}, {"operator", cfg.Accounts.Operator}, {"guardian", cfg.Accounts.Guardian}}
		for _, s := range cfg.Strategies {
			rows = append(rows, struct {
				name  string
				index uint32
			}{"owner:" + s.Name, s.OwnerIndex})
		}
		for _, r := range rows {
			acct, err := k.Derive(r.index)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-20s %-20s %s\n", r.name, acct.Path, acct.Address.Hex())
		}
		return nil
	},
}

var journalEvent string

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Print committed events from the journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Journal.InMemory {
			return fmt.Errorf("journal.in_memory 为 true，没有可读取的日志")
		}
		store, closeStore, err := openJournal(cfg)
		if err != nil {
			return err
		}
		defer closeStore()
		entries, err := events.NewJournal(store).Entries(journalEvent)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Fprintf(cmd.OutOrStdout(), "%d %s tx=%d(%s)#%d %s %s\n",
				e.Seq, e.At.Format("06-01-02 15:04:05"), e.TxID, e.TxName, e.Index, e.Name, e.Payload)
		}
		return nil
	},
}

func init() {
	journalCmd.Flags().StringVar(&journalEvent, "event", "", "只显示该事件")
}
