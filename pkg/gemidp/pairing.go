package gemidp

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gematik/zero-lab/go/brainpool"
	"github.com/matishsiao/goInfo"
)

const (
	deviceInformationDataVersion = "1.0"
	pairingDataVersion           = "1.0"
	authenticationDataVersion    = "1.0"
)

// DeviceType describes the hardware and OS of a paired device.
type DeviceType struct {
	Product      string `json:"product"`
	Model        string `json:"model"`
	OS           string `json:"os"`
	OSVersion    string `json:"os_version"`
	Manufacturer string `json:"manufacturer"`
}

type DeviceInformation struct {
	Name        string     `json:"name"`
	DataVersion string     `json:"device_information_data_version"`
	DeviceType  DeviceType `json:"device_type"`
}

// NewDeviceInformation describes the machine this process runs on.
func NewDeviceInformation(name string) (*DeviceInformation, error) {
	gi, err := goInfo.GetInfo()
	if err != nil {
		return nil, fmt.Errorf("could not get system info: %w", err)
	}
	if name == "" {
		name = gi.Hostname
	}
	return &DeviceInformation{
		Name:        name,
		DataVersion: deviceInformationDataVersion,
		DeviceType: DeviceType{
			Product:      "zero-idp",
			Model:        gi.Platform,
			OS:           gi.GoOS,
			OSVersion:    gi.Core,
			Manufacturer: gi.Kernel,
		},
	}, nil
}

// RegistrationData is sent encrypted to the pairing endpoint.
type RegistrationData struct {
	AuthCert          string            `json:"auth_cert"`
	SignedPairingData string            `json:"signed_pairing_data"`
	DeviceInformation DeviceInformation `json:"device_information"`
}

// PairingData binds a device key to the identity of the signing
// smartcard. It is signed with the smartcard key.
type PairingData struct {
	Version         string `json:"pairing_data_version"`
	KeyIdentifier   string `json:"key_identifier"`
	DevicePublicKey string `json:"device_public_key"`
	Product         string `json:"product"`
	NotAfter        int64  `json:"not_after"`
}

// NewPairingData describes the device key to be paired. The key is encoded
// as base64 PKIX DER.
func NewPairingData(keyID string, devicePublicKey *ecdsa.PublicKey, product string, notAfter time.Time) (*PairingData, error) {
	if keyID == "" {
		return nil, errors.New("key identifier is empty")
	}
	der, err := x509.MarshalPKIXPublicKey(devicePublicKey)
	if err != nil {
		return nil, fmt.Errorf("encoding device key: %w", err)
	}
	return &PairingData{
		Version:         pairingDataVersion,
		KeyIdentifier:   keyID,
		DevicePublicKey: base64.StdEncoding.EncodeToString(der),
		Product:         product,
		NotAfter:        notAfter.Unix(),
	}, nil
}

// ParseDevicePublicKey decodes the device key of the pairing data.
func (p *PairingData) ParseDevicePublicKey() (*ecdsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(p.DevicePublicKey)
	if err != nil {
		return nil, fmt.Errorf("decoding device key: %w", err)
	}
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parsing device key: %w", err)
	}
	ecKey, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unsupported device key type %T", key)
	}
	return ecKey, nil
}

// NewRegistrationData signs the pairing data with the smartcard identity
// and puts everything the pairing endpoint needs together.
func NewRegistrationData(authKey *ecdsa.PrivateKey, authCert *x509.Certificate, pairing *PairingData, device DeviceInformation) (*RegistrationData, error) {
	payload, err := json.Marshal(pairing)
	if err != nil {
		return nil, newError(OpRegisterDevice, KindSigning, fmt.Errorf("marshalling pairing data: %w", err))
	}
	signed, err := signCompact(authKey, payload, ContentTypeJSON, "", authCert)
	if err != nil {
		return nil, newError(OpRegisterDevice, KindSigning, err)
	}
	return &RegistrationData{
		AuthCert:          base64.StdEncoding.EncodeToString(authCert.Raw),
		SignedPairingData: signed,
		DeviceInformation: device,
	}, nil
}

// AuthenticationData answers a challenge with a paired device key instead
// of the smartcard.
type AuthenticationData struct {
	Version           string            `json:"authentication_data_version"`
	ChallengeToken    string            `json:"challenge_token"`
	KeyIdentifier     string            `json:"key_identifier"`
	DeviceInformation DeviceInformation `json:"device_information"`
}

// PairedDevice is the local half of a pairing.
type PairedDevice struct {
	KeyIdentifier string
	Key           *ecdsa.PrivateKey
	Information   DeviceInformation
}

// SignAuthenticationData signs the challenge with the device key.
func (d *PairedDevice) SignAuthenticationData(challenge *Challenge) (string, error) {
	if challenge == nil || challenge.Challenge == "" {
		return "", newError(OpAltVerify, KindInvalidInput, errors.New("challenge is empty"))
	}
	payload, err := json.Marshal(AuthenticationData{
		Version:           authenticationDataVersion,
		ChallengeToken:    challenge.Challenge,
		KeyIdentifier:     d.KeyIdentifier,
		DeviceInformation: d.Information,
	})
	if err != nil {
		return "", newError(OpAltVerify, KindSigning, fmt.Errorf("marshalling authentication data: %w", err))
	}
	signed, err := signCompact(d.Key, payload, ContentTypeJSON, d.KeyIdentifier, nil)
	if err != nil {
		return "", newError(OpAltVerify, KindSigning, err)
	}
	return signed, nil
}

// EncryptAuthenticationData encrypts the signed authentication data for the
// IDP (cty NJWT, exp of the challenge).
func EncryptAuthenticationData(signed string, exp int64, idpEncKey *brainpool.JSONWebKey, newKeyPair KeyPairFunc, newNonce GCMNonceFunc) (string, error) {
	envelope, err := EncryptSignedChallenge(signed, exp, idpEncKey, newKeyPair, newNonce)
	if err != nil {
		var e *Error
		if errors.As(err, &e) {
			e.Op = OpAltVerify
		}
		return "", err
	}
	return envelope, nil
}

// PairingEntry is a device registered for alternative authentication.
type PairingEntry struct {
	Name                         string `json:"name"`
	CreationTime                 int64  `json:"creation_time"`
	KeyIdentifier                string `json:"key_identifier"`
	SignatureAlgorithmIdentifier string `json:"signature_algorithm_identifier"`
	DeviceInformation            string `json:"device_information,omitempty"`
}

// EncryptRegistrationData encrypts the registration data for the IDP
// (ECDH-ES, A256GCM, cty JSON).
func EncryptRegistrationData(data *RegistrationData, idpEncKey *brainpool.JSONWebKey, newKeyPair KeyPairFunc, newNonce GCMNonceFunc) (string, error) {
	if data == nil {
		return "", encryptionError(OpRegisterDevice, errors.New("registration data is empty"))
	}
	plaintext, err := json.Marshal(data)
	if err != nil {
		return "", encryptionError(OpRegisterDevice, fmt.Errorf("marshalling registration data: %w", err))
	}
	recipient, err := ecPublicKey(idpEncKey)
	if err != nil {
		return "", encryptionError(OpRegisterDevice, fmt.Errorf("IDP encryption key: %w", err))
	}
	envelope, err := encryptECDHES(plaintext, ContentTypeJSON, nil, recipient, newKeyPair, newNonce)
	if err != nil {
		return "", encryptionError(OpRegisterDevice, err)
	}
	return envelope, nil
}

// RegisterDevice registers a device key at the pairing endpoint using the
// access token of a previous authentication.
func (c *Client) RegisterDevice(ctx context.Context, encryptedRegistrationData string, token *TokenSet, doc *DiscoveryDocument) (*PairingEntry, error) {
	header, err := authorizationHeader(OpRegisterDevice, token)
	if err != nil {
		return nil, err
	}
	pairingEndpoint := endpoint(doc, func(d *DiscoveryDocument) string { return d.Pairing })
	if pairingEndpoint == "" {
		return nil, assemblyError(OpRegisterDevice, errors.New("pairing endpoint missing in discovery document"))
	}

	form := url.Values{
		"encrypted_registration_data": {encryptedRegistrationData},
	}
	resp, err := c.postForm(ctx, OpRegisterDevice, pairingEndpoint, form, header)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return nil, parseErrorResponse(OpRegisterDevice, resp.StatusCode, resp.Body, c.now())
	}

	data, err := readBody(OpRegisterDevice, resp)
	if err != nil {
		return nil, err
	}

	entry := new(PairingEntry)
	if err := json.Unmarshal(data, entry); err != nil {
		return nil, decodingError(OpRegisterDevice, fmt.Errorf("decoding pairing entry: %w", err))
	}
	return entry, nil
}

// UnregisterDevice removes the pairing with the given key identifier. It
// reports whether the IDP confirmed the deletion.
func (c *Client) UnregisterDevice(ctx context.Context, keyID string, token *TokenSet, doc *DiscoveryDocument) (bool, error) {
	if keyID == "" {
		return false, newError(OpUnregister, KindInvalidInput, errors.New("key identifier is empty"))
	}
	header, err := authorizationHeader(OpUnregister, token)
	if err != nil {
		return false, err
	}
	pairingEndpoint := endpoint(doc, func(d *DiscoveryDocument) string { return d.Pairing })
	if pairingEndpoint == "" {
		return false, assemblyError(OpUnregister, errors.New("pairing endpoint missing in discovery document"))
	}

	u, err := url.JoinPath(pairingEndpoint, url.PathEscape(keyID))
	if err != nil {
		return false, assemblyError(OpUnregister, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return false, assemblyError(OpUnregister, err)
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := c.do(OpUnregister, req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return false, parseErrorResponse(OpUnregister, resp.StatusCode, resp.Body, c.now())
	}
	return true, nil
}

func authorizationHeader(op string, token *TokenSet) (http.Header, error) {
	if token == nil || token.AccessToken == "" {
		return nil, newError(op, KindInvalidInput, errors.New("access token is empty"))
	}
	tokenType := token.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return http.Header{
		"Authorization": {tokenType + " " + token.AccessToken},
	}, nil
}
