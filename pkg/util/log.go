package util

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// JWSToText renders a compact JWS for debug logs. The signature is
// abbreviated, the header and payload are pretty printed.
func JWSToText(jwsData string) string {
	parts := strings.Split(jwsData, ".")
	if len(parts) != 3 {
		return "invalid JWS (" + strings.Repeat(".", len(parts)-1) + ")"
	}

	sb := strings.Builder{}
	sb.WriteString("base64url(")
	sb.WriteString(tokenPartToText(parts[0]))
	sb.WriteString(").base64url(")
	sb.WriteString(tokenPartToText(parts[1]))
	sb.WriteString(").signature(")
	sig := parts[2]
	if len(sig) > 10 {
		sig = sig[:10]
	}
	sb.WriteString(sig)
	sb.WriteString("...)")
	return sb.String()
}

func tokenPartToText(s string) string {
	dataBytes, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return err.Error()
	}
	dataMap := make(map[string]interface{})
	err = json.Unmarshal(dataBytes, &dataMap)
	if err != nil {
		return string(dataBytes)
	}

	jsonBytes, err := json.MarshalIndent(dataMap, "  ", "  ")
	if err != nil {
		return err.Error()
	}
	return string(jsonBytes)
}
