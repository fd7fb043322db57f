package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alecgard/mailgate/internal/auth"
	"github.com/alecgard/mailgate/internal/config"
	"github.com/alecgard/mailgate/internal/secret"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a new API secret and config encryption key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		apiSecret, err := auth.GenerateSecret()
		if err != nil {
			return err
		}
		encKey, err := secret.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Printf("API_SECRET=%s\n", apiSecret)
		fmt.Printf("MAILGATE_ENCRYPTION_KEY=%s\n", encKey)
		return nil
	},
}

var sealCmd = &cobra.Command{
	Use:   "seal <value>",
	Short: "Encrypt a config value with MAILGATE_ENCRYPTION_KEY",
	Long:  "Prints the value as enc:<base64>. Sealed values may be used anywhere a secret is read from the config file or environment.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		sealer, err := secret.NewSealer(cfg.Encryption.Key)
		if err != nil {
			return err
		}
		sealed, err := sealer.Seal(args[0])
		if err != nil {
			return err
		}
		fmt.Println(sealed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd, sealCmd)
}
