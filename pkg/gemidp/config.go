package gemidp

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gematik/zero-lab/go/brainpool"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment of the gematik IDP-Dienst
type Environment int

const (
	EnvironmentTest Environment = iota
	EnvironmentReference
	EnvironmentProduction
)

// NewEnvironment parses tu, ru or prod. An empty string means prod.
func NewEnvironment(s string) (Environment, error) {
	switch s {
	case "tu", "test":
		return EnvironmentTest, nil
	case "ru", "ref":
		return EnvironmentReference, nil
	case "prod", "":
		return EnvironmentProduction, nil
	default:
		return 0, fmt.Errorf("unknown environment %q, expected one of tu, ru, prod", s)
	}
}

func (e Environment) String() string {
	switch e {
	case EnvironmentTest:
		return "tu"
	case EnvironmentReference:
		return "ru"
	case EnvironmentProduction:
		return "prod"
	default:
		return "unknown"
	}
}

func (e Environment) GetBaseURL() string {
	switch e {
	case EnvironmentTest:
		return BaseURLTest
	case EnvironmentReference:
		return BaseURLReference
	case EnvironmentProduction:
		return BaseURLProduction
	default:
		return "unknown"
	}
}

func (e *Environment) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	env, err := NewEnvironment(s)
	if err != nil {
		return err
	}
	*e = env
	return nil
}

func (e Environment) MarshalYAML() (interface{}, error) {
	return e.String(), nil
}

// BaseURLs of the different environments
const (
	BaseURLProduction string = "https://idp.app.ti-dienste.de"
	BaseURLReference  string = "https://idp-ref.app.ti-dienste.de"
	BaseURLTest       string = "https://idp-test.app.ti-dienste.de"
)

const discoveryPath = "/.well-known/openid-configuration"

// Input validation strategies for challenge requests
const (
	InputValidationStrict = "strict"
	InputValidationBasic  = "basic"
)

// ClientConfig of the gematik IDP-Dienst client
type ClientConfig struct {
	Environment     Environment   `yaml:"environment" validate:"gte=0,lte=2"`
	BaseURL         string        `yaml:"base_url,omitempty" validate:"omitempty,url"`
	DiscoveryURL    string        `yaml:"discovery_url,omitempty" validate:"omitempty,url"`
	ClientID        string        `yaml:"client_id" validate:"required"`
	RedirectURI     string        `yaml:"redirect_uri" validate:"required"`
	Scopes          []string      `yaml:"scopes" validate:"required,min=1,dive,required"`
	UserAgent       string        `yaml:"user_agent"`
	Timeout         time.Duration `yaml:"timeout"`
	InputValidation string        `yaml:"input_validation" validate:"omitempty,oneof=strict basic"`
	// PEM file with the trust anchors the discovery document signer must chain to
	TrustAnchor string `yaml:"trust_anchor,omitempty"`
}

// discoveryURL resolves the discovery endpoint from explicit URL, base URL
// or environment, in that order.
func (c *ClientConfig) discoveryURL() string {
	if c.DiscoveryURL != "" {
		return c.DiscoveryURL
	}
	baseURL := c.BaseURL
	if baseURL == "" {
		baseURL = c.Environment.GetBaseURL()
	}
	return strings.TrimSuffix(baseURL, "/") + discoveryPath
}

func (c *ClientConfig) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	return nil
}

func LoadConfigFile(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var config ClientConfig
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("unmarshal config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// LoadTrustAnchors reads PEM encoded certificates into a pool. Brainpool
// roots are parsed as well.
func LoadTrustAnchors(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trust anchor file: %w", err)
	}
	pool := x509.NewCertPool()
	found := 0
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := brainpool.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse trust anchor %d in %s: %w", found, path, err)
		}
		pool.AddCert(cert)
		found++
	}
	if found == 0 {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}
