package gemidp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/gematik/zero-idp/pkg/bridge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseErrorResponse(t *testing.T) {
	now := time.UnixMilli(1713603116123)

	t.Run("gematik error", func(t *testing.T) {
		body := `{"error":"invalid_request","gematik_error_text":"client_id ist ungültig","gematik_timestamp":1713603116000,"gematik_uuid":"c0e2a77c-dfae-4b93-9baf-f170683962cb","gematik_code":"2012"}`
		err := parseErrorResponse(OpChallenge, 400, strings.NewReader(body), now)

		serverErr, ok := AsServerError(err)
		require.True(t, ok)
		assert.Equal(t, KindServer, KindOf(err))
		assert.Equal(t, 400, serverErr.HttpCode)
		assert.Equal(t, "invalid_request", serverErr.ErrorCode)
		assert.Equal(t, "2012", serverErr.GematikCode)
		assert.Equal(t, "c0e2a77c-dfae-4b93-9baf-f170683962cb", serverErr.GematikUUID)
		assert.Equal(t, int64(1713603116000), serverErr.GematikTimestamp)
	})

	for name, body := range map[string]string{
		"html":         "<html><body>Bad Gateway</body></html>",
		"empty":        "",
		"empty object": "{}",
	} {
		t.Run(name, func(t *testing.T) {
			err := parseErrorResponse(OpChallenge, 502, strings.NewReader(body), now)

			serverErr, ok := AsServerError(err)
			require.True(t, ok)
			assert.Equal(t, KindServer, KindOf(err))
			assert.Equal(t, 502, serverErr.HttpCode)
			assert.Equal(t, UndecodableErrorCode, serverErr.GematikCode)
			assert.Equal(t, UndecodableError, serverErr.ErrorCode)
			assert.Equal(t, UndecodableUUID, serverErr.GematikUUID)
			assert.Equal(t, now.UnixMilli(), serverErr.GematikTimestamp)
		})
	}
}

func TestErrorKinds(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindUnknown, KindOf(nil))

	wrapped := fmt.Errorf("attempt failed: %w", decryptionError(OpDecrypt, errors.New("bad tag")))
	assert.Equal(t, KindDecryption, KindOf(wrapped))
	_, ok := AsServerError(wrapped)
	assert.False(t, ok)

	assert.Equal(t, KindCancelled, KindOf(networkError(OpVerify, context.Canceled)))
	assert.Equal(t, KindNetwork, KindOf(networkError(OpVerify, errors.New("connection refused"))))

	assert.Equal(t, KindFinishedWithoutValue, KindOf(wrapError(OpDiscovery, bridge.ErrFinishedWithoutValue)))
	assert.Equal(t, KindCancelled, KindOf(wrapError(OpDiscovery, context.DeadlineExceeded)))
	assert.Equal(t, KindExpired, KindOf(wrapError(OpDiscovery, newError(OpChallenge, KindExpired, nil))))
	assert.Nil(t, wrapError(OpDiscovery, nil))
}

func TestErrorMessages(t *testing.T) {
	err := serverError(OpExchange, &ServerError{HttpCode: 400, ErrorCode: "invalid_grant", GematikErrorText: "code ist ungültig", GematikCode: "3011", GematikUUID: "u"}, nil)
	assert.Equal(t, "exchange: 400 invalid_grant: code ist ungültig (3011, u)", err.Error())

	err = newError(OpVerify, KindMissingLocationHeader, errors.New("code missing in location"))
	assert.Equal(t, "verify: missing location header: code missing in location", err.Error())
	assert.Equal(t, "exchange: decryption", newError(OpExchange, KindDecryption, nil).Error())
}
