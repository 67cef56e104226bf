package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func init() {
	rootCmd.AddCommand(discoverCmd)
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Load and verify the discovery document",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}

		doc, err := client.LoadDiscoveryDocument(cmd.Context())
		if err != nil {
			return fmt.Errorf("load discovery document: %w", err)
		}

		enc := yaml.NewEncoder(cmd.OutOrStdout())
		defer enc.Close()
		return enc.Encode(map[string]interface{}{
			"issuer":                 doc.Issuer,
			"authorization_endpoint": doc.Authentication,
			"sso_endpoint":           doc.SSO,
			"auth_pair_endpoint":     doc.AuthenticationPair,
			"token_endpoint":         doc.Token,
			"uri_pair":               doc.Pairing,
			"puk_idp_sig":            doc.PukIdpSig.KeyID,
			"puk_idp_enc":            doc.PukIdpEnc.KeyID,
			"issued_at":              doc.IssuedAt,
			"expires_at":             doc.ExpiresAt,
		})
	},
}
