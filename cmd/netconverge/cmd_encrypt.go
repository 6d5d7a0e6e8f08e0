package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"netconverge/internal/infra/config"
)

const configKeyEnv = "NETCONVERGE_CONFIG_KEY"

func newEncryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt [VALUE]",
		Short: "Encrypt a secret for use as an enc: config value",
		Long: `Encrypts VALUE, or the first line of stdin when VALUE is omitted, with the
passphrase in $NETCONVERGE_CONFIG_KEY and prints the enc: string to paste into
the config file.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := os.Getenv(configKeyEnv)
			if key == "" {
				return fmt.Errorf("%s is not set", configKeyEnv)
			}
			var value string
			if len(args) == 1 {
				value = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read value: %w", err)
				}
				value = strings.TrimRight(line, "\r\n")
			}
			if value == "" {
				return errors.New("nothing to encrypt")
			}
			enc, err := config.EncryptValue(value, key)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "enc:"+enc)
			return nil
		},
	}
}
