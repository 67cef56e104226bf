package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gematik/zero-idp/pkg/gemidp"
	"github.com/spf13/cobra"
)

var (
	loginKeyFile  string
	loginCertFile string
	loginSSOToken string
)

func init() {
	rootCmd.AddCommand(loginCmd)
	loginCmd.Flags().StringVar(&loginKeyFile, "key", "softkey.key", "PEM file with the private key of the software identity")
	loginCmd.Flags().StringVar(&loginCertFile, "cert", "softkey.crt", "PEM file with the certificate of the software identity")
	loginCmd.Flags().StringVar(&loginSSOToken, "sso-token", "", "authenticate with the SSO token of an earlier login")
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate and print the decrypted tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}

		var tokens *gemidp.TokenSet
		if loginSSOToken != "" {
			auth, err := gemidp.NewAuthenticator(client, nil)
			if err != nil {
				return err
			}
			tokens, err = auth.RefreshWithSSO(cmd.Context(), loginSSOToken)
			if err != nil {
				return describe(err)
			}
		} else {
			signer, err := gemidp.SignWithSoftkeyPEM(loginKeyFile, loginCertFile)
			if err != nil {
				return fmt.Errorf("load software identity: %w", err)
			}
			auth, err := gemidp.NewAuthenticator(client, signer)
			if err != nil {
				return err
			}
			tokens, err = auth.Authenticate(cmd.Context())
			if err != nil {
				return describe(err)
			}
		}

		slog.Info("Authenticated", "tokens", tokens)

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(tokens)
	},
}

// describe logs the IDP error details of err.
func describe(err error) error {
	if serverErr, ok := gemidp.AsServerError(err); ok {
		slog.Error("IDP rejected the request",
			"error", serverErr.ErrorCode,
			"gematik_code", serverErr.GematikCode,
			"gematik_uuid", serverErr.GematikUUID,
			"text", serverErr.GematikErrorText,
		)
	}
	if gemidp.KindOf(err) == gemidp.KindCancelled {
		return errors.New("login cancelled")
	}
	return err
}
