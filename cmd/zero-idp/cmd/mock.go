package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gematik/zero-idp/pkg/ca"
	"github.com/gematik/zero-idp/pkg/gemidp"
	"github.com/gematik/zero-idp/pkg/gemidp/mockidp"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	mockAddr        string
	mockDir         string
	mockClientID    string
	mockRedirectURI string
	mockUser        string
)

func init() {
	rootCmd.AddCommand(mockCmd)
	flags := mockCmd.Flags()
	flags.StringVar(&mockAddr, "addr", "localhost:8080", "listen address")
	flags.StringVar(&mockDir, "dir", ".", "directory for the generated config, trust anchor and software identity")
	flags.StringVar(&mockClientID, "client-id", "zero-idp", "client id accepted by the mock")
	flags.StringVar(&mockRedirectURI, "redirect-uri", "https://localhost/callback", "redirect uri accepted by the mock")
	flags.StringVar(&mockUser, "user", "Dr. Zero Trust", "common name of the generated software identity")
}

var mockCmd = &cobra.Command{
	Use:   "mock",
	Short: "Run a local mock IDP",
	Long: `Run a local mock IDP and write everything a client needs to talk to it:
zero-idp.yaml, trust-anchor.pem, softkey.crt and softkey.key.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		idp, err := mockidp.New(mockidp.Config{
			ClientID:    mockClientID,
			RedirectURI: mockRedirectURI,
		})
		if err != nil {
			return err
		}

		if err := writeMockFiles(idp); err != nil {
			return err
		}

		e := idp.Echo()
		e.Use(middleware.Recover())
		e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
			LogMethod: true,
			LogURI:    true,
			LogStatus: true,
			LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
				slog.Info("Mock IDP request", "method", v.Method, "uri", v.URI, "status", v.Status)
				return nil
			},
		}))

		errc := make(chan error, 1)
		go func() {
			slog.Info("Mock IDP listening", "addr", mockAddr)
			errc <- e.Start(mockAddr)
		}()

		select {
		case err := <-errc:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-cmd.Context().Done():
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			slog.Info("Shutting down mock IDP")
			return e.Shutdown(ctx)
		}
	},
}

func writeMockFiles(idp *mockidp.Server) error {
	if err := os.MkdirAll(mockDir, 0755); err != nil {
		return fmt.Errorf("create %s: %w", mockDir, err)
	}

	trustAnchor, err := filepath.Abs(filepath.Join(mockDir, "trust-anchor.pem"))
	if err != nil {
		return err
	}
	if err := ca.WritePEMFiles(idp.TrustAnchor(), trustAnchor, nil, ""); err != nil {
		return err
	}

	prk, cert, err := idp.IssueIdentity(mockUser)
	if err != nil {
		return fmt.Errorf("issue software identity: %w", err)
	}
	if err := ca.WritePEMFiles(cert, filepath.Join(mockDir, "softkey.crt"), prk, filepath.Join(mockDir, "softkey.key")); err != nil {
		return err
	}

	host, port, err := net.SplitHostPort(mockAddr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", mockAddr, err)
	}
	if host == "" {
		host = "localhost"
	}

	config := gemidp.ClientConfig{
		BaseURL:         "http://" + net.JoinHostPort(host, port),
		ClientID:        mockClientID,
		RedirectURI:     mockRedirectURI,
		Scopes:          []string{"openid", "e-rezept"},
		InputValidation: gemidp.InputValidationStrict,
		TrustAnchor:     trustAnchor,
	}
	data, err := yaml.Marshal(&config)
	if err != nil {
		return err
	}
	configFile := filepath.Join(mockDir, "zero-idp.yaml")
	if err := os.WriteFile(configFile, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", configFile, err)
	}

	slog.Info("Wrote mock IDP client files", "config", configFile, "subject", cert.Subject.SerialNumber)
	return nil
}
