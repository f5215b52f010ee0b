package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/betbot/splitvault/pkg/secretstore"
	"github.com/betbot/splitvault/pkg/wallet"
)

const secretKeyEnv = "SPLITVAULT_SECRET_KEY"

func openSecrets(path string) (*secretstore.Store, error) {
	key, err := secretstore.ParseKey(os.Getenv(secretKeyEnv))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", secretKeyEnv, err)
	}
	if key == nil {
		return nil, fmt.Errorf("%s 未设置（32 字节 hex/base64）", secretKeyEnv)
	}
	return secretstore.Open(secretstore.OpenOptions{Path: path, EncryptionKey: key})
}

// readMnemonic 从加密密钥库读取部署助记词
func readMnemonic(path string) (string, error) {
	ss, err := openSecrets(path)
	if err != nil {
		return "", err
	}
	defer ss.Close()
	mn, err := ss.Mnemonic()
	if err != nil {
		return "", fmt.Errorf("从 %s 读取助记词失败: %w", path, err)
	}
	return mn, nil
}

var (
	secretsPath  string
	secretsForce bool
)

var secretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Manage the encrypted secret store",
}

var setMnemonicCmd = &cobra.Command{
	Use:   "set-mnemonic",
	Short: "Read a mnemonic from stdin and store it encrypted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ss, err := openSecrets(secretsPath)
		if err != nil {
			return err
		}
		defer ss.Close()
		if _, err := ss.Mnemonic(); err == nil && !secretsForce {
			return fmt.Errorf("%s 中已有助记词（使用 --force 覆盖）", secretsPath)
		}

		fmt.Fprintln(cmd.ErrOrStderr(), "请输入助记词（12/15/18/21/24 个单词），输入完成后回车：")
		line, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		mn := strings.TrimSpace(line)
		k, err := wallet.NewKeyring(mn)
		if err != nil {
			return err
		}
		if err := ss.SetMnemonic(mn); err != nil {
			return err
		}
		admin, err := k.Address(0)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "已写入：%s（index 0 = %s）\n", secretsPath, admin.Hex())
		return nil
	},
}

func init() {
	secretsCmd.PersistentFlags().StringVar(&secretsPath, "store", "data/secrets", "Badger 密钥库路径")
	setMnemonicCmd.Flags().BoolVar(&secretsForce, "force", false, "覆盖已有助记词")
	secretsCmd.AddCommand(setMnemonicCmd)
}
