package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configPath string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:   "splitvaultd",
	Short: "Split-vault strategy daemon",
	Long: `Deploys the strategy registry, price oracle and strategy instances described
by the config onto the in-process execution runtime, then runs the operator keeper.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if envFile == "" {
			return nil
		}
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("加载 %s 失败: %w", envFile, err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "yml/splitvault.yaml", "配置文件路径 (.yaml/.yml/.json)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "启动前加载的 .env 文件（不存在则忽略）")
	rootCmd.AddCommand(runCmd, validateCmd, accountsCmd, journalCmd, secretsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
