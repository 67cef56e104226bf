package gemidp

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/gematik/zero-idp/pkg/bridge"
	"github.com/segmentio/ksuid"
)

// Authenticator runs complete authentication attempts against the IDP.
// Every attempt creates its own session crypto and destroys it when the
// attempt ends. The discovery document is reused until it expires.
type Authenticator struct {
	client *Client
	signer ChallengeSigner
	// VerifyIDToken enables signature and nonce checks of the issued ID token
	VerifyIDToken bool

	mu  sync.Mutex
	doc *DiscoveryDocument
}

// NewAuthenticator creates an Authenticator. signer may be nil if only SSO
// refresh and device authentication are used.
func NewAuthenticator(client *Client, signer ChallengeSigner) (*Authenticator, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Authenticator{
		client:        client,
		signer:        signer,
		VerifyIDToken: true,
	}, nil
}

// attempt is the state of a single authentication attempt.
type attempt struct {
	id   string
	sess *SessionCrypto
	doc  *DiscoveryDocument
}

// Authenticate signs a fresh challenge with the configured signer and
// exchanges the resulting code for tokens.
func (a *Authenticator) Authenticate(ctx context.Context) (*TokenSet, error) {
	if a.signer == nil {
		return nil, newError(OpSignChallenge, KindInvalidInput, errors.New("no challenge signer configured"))
	}
	return a.run(ctx, func(ctx context.Context, at *attempt, challenge *Challenge) (*ExchangeToken, error) {
		payload, err := challenge.Verify(at.doc, a.client.now())
		if err != nil {
			return nil, err
		}

		signed, err := await(ctx, OpSignChallenge, func(ctx context.Context) (string, error) {
			signed, err := a.signer.SignChallenge(ctx, challenge)
			if err != nil && KindOf(err) == KindUnknown && ctx.Err() == nil {
				return "", newError(OpSignChallenge, KindSigning, err)
			}
			return signed, err
		})
		if err != nil {
			return nil, err
		}

		crypto := a.client.crypto
		encrypted, err := EncryptSignedChallenge(signed, payload.Exp, at.doc.PukIdpEnc, crypto.GenerateKeyPair, crypto.GCMNonce)
		if err != nil {
			return nil, err
		}

		return await(ctx, OpVerify, func(ctx context.Context) (*ExchangeToken, error) {
			return a.client.Verify(ctx, encrypted, at.doc)
		})
	})
}

// RefreshWithSSO authenticates using the SSO token of an earlier attempt.
// The signer is not involved.
func (a *Authenticator) RefreshWithSSO(ctx context.Context, ssoToken string) (*TokenSet, error) {
	return a.run(ctx, func(ctx context.Context, at *attempt, challenge *Challenge) (*ExchangeToken, error) {
		return await(ctx, OpRefresh, func(ctx context.Context) (*ExchangeToken, error) {
			return a.client.Refresh(ctx, challenge, ssoToken, at.doc)
		})
	})
}

// AuthenticateWithDevice answers the challenge with a paired device key.
func (a *Authenticator) AuthenticateWithDevice(ctx context.Context, device *PairedDevice) (*TokenSet, error) {
	if device == nil || device.Key == nil {
		return nil, newError(OpAltVerify, KindInvalidInput, errors.New("paired device is required"))
	}
	return a.run(ctx, func(ctx context.Context, at *attempt, challenge *Challenge) (*ExchangeToken, error) {
		payload, err := challenge.Verify(at.doc, a.client.now())
		if err != nil {
			return nil, err
		}

		signed, err := device.SignAuthenticationData(challenge)
		if err != nil {
			return nil, err
		}

		crypto := a.client.crypto
		encrypted, err := EncryptAuthenticationData(signed, payload.Exp, at.doc.PukIdpEnc, crypto.GenerateKeyPair, crypto.GCMNonce)
		if err != nil {
			return nil, err
		}

		return await(ctx, OpAltVerify, func(ctx context.Context) (*ExchangeToken, error) {
			return a.client.AltVerify(ctx, encrypted, at.doc)
		})
	})
}

type authorizeFunc func(ctx context.Context, at *attempt, challenge *Challenge) (*ExchangeToken, error)

func (a *Authenticator) run(ctx context.Context, authorize authorizeFunc) (*TokenSet, error) {
	at := &attempt{id: ksuid.New().String()}
	logger := slog.With("attempt", at.id)
	logger.Info("Starting authentication attempt")

	sess, err := a.client.crypto.NewSessionCrypto()
	if err != nil {
		return nil, err
	}
	defer sess.Destroy()
	at.sess = sess

	at.doc, err = a.discoveryDocument(ctx)
	if err != nil {
		logger.Error("Unable to load discovery document", "error", err)
		return nil, err
	}

	challenge, err := await(ctx, OpChallenge, func(ctx context.Context) (*Challenge, error) {
		return a.client.RequestChallenge(ctx, sess.CodeChallenge(), CodeChallengeMethodS256, sess.State, sess.Nonce, at.doc)
	})
	if err != nil {
		logger.Error("Unable to request challenge", "error", err)
		return nil, err
	}

	code, err := authorize(ctx, at, challenge)
	if err != nil {
		logger.Error("Authorization failed", "error", err)
		return nil, err
	}
	if code.State != sess.State {
		return nil, newError(OpAuthenticate, KindInvalidState, errors.New("state mismatch"))
	}

	crypto := a.client.crypto
	keyVerifier, err := EncryptKeyVerifier(sess.SessionKey, sess.Verifier, at.doc.PukIdpEnc, crypto.GenerateKeyPair, crypto.GCMNonce)
	if err != nil {
		return nil, err
	}

	payload, err := await(ctx, OpExchange, func(ctx context.Context) (*TokenPayload, error) {
		return a.client.Exchange(ctx, code, sess.Verifier, keyVerifier, at.doc)
	})
	if err != nil {
		logger.Error("Unable to exchange code", "error", err)
		return nil, err
	}
	if payload.SSOToken == "" {
		payload.SSOToken = code.SSOToken
	}

	tokens, err := DecryptTokens(payload, sess.SessionKey)
	if err != nil {
		return nil, err
	}

	if a.VerifyIDToken {
		if _, err := ParseIDToken(tokens.IDToken, at.doc, a.client.ClientID(), sess.Nonce, a.client.now()); err != nil {
			return nil, err
		}
	}

	logger.Info("Authentication attempt succeeded", "tokens", tokens)
	return tokens, nil
}

// discoveryDocument returns a copy of the cached document while it is valid
// and loads a new one otherwise. Each attempt owns its copy, the public keys
// are shared and never modified.
func (a *Authenticator) discoveryDocument(ctx context.Context) (*DiscoveryDocument, error) {
	a.mu.Lock()
	cached := a.doc
	a.mu.Unlock()
	if cached != nil && cached.IsValid(a.client.now()) {
		doc := *cached
		return &doc, nil
	}

	loaded, err := await(ctx, OpDiscovery, a.client.LoadDiscoveryDocument)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.doc = loaded
	a.mu.Unlock()
	doc := *loaded
	return &doc, nil
}

// await runs fn through the async bridge and normalizes its error for op.
func await[T any](ctx context.Context, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	res := bridge.AwaitResult(ctx, bridge.Go(fn), func(err error) *Error {
		return wrapError(op, err)
	})
	if !res.OK() {
		return res.Value, res.Err
	}
	return res.Value, nil
}
