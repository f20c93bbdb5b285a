// Package util holds small helpers for logging endpoints that carry credentials.
package util

import (
	"net/url"
	"strings"
)

// HideAPIKey obscures a credential for logging, keeping only a few edge characters.
func HideAPIKey(apiKey string) string {
	switch n := len(apiKey); {
	case n > 8:
		return apiKey[:4] + "..." + apiKey[n-4:]
	case n > 4:
		return apiKey[:2] + "..." + apiKey[n-2:]
	case n > 2:
		return apiKey[:1] + "..." + apiKey[n-1:]
	}
	return apiKey
}

// MaskSensitiveQuery masks credential-like parameters (key, api_key, token, secret) in a raw query string.
func MaskSensitiveQuery(raw string) string {
	if raw == "" {
		return ""
	}
	parts := strings.Split(raw, "&")
	changed := false
	for i, part := range parts {
		if part == "" {
			continue
		}
		keyPart, valuePart, _ := strings.Cut(part, "=")
		decodedKey, err := url.QueryUnescape(keyPart)
		if err != nil {
			decodedKey = keyPart
		}
		if !isSensitiveParam(decodedKey) {
			continue
		}
		decodedValue, err := url.QueryUnescape(valuePart)
		if err != nil {
			decodedValue = valuePart
		}
		parts[i] = keyPart + "=" + url.QueryEscape(HideAPIKey(strings.TrimSpace(decodedValue)))
		changed = true
	}
	if !changed {
		return raw
	}
	return strings.Join(parts, "&")
}

// MaskURL returns rawURL with MaskSensitiveQuery applied to its query and any userinfo password hidden.
func MaskURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return MaskSensitiveQuery(rawURL)
	}
	if u.User != nil {
		if pass, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), HideAPIKey(pass))
		}
	}
	u.RawQuery = MaskSensitiveQuery(u.RawQuery)
	return u.String()
}

func isSensitiveParam(key string) bool {
	key = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(key)), "[]")
	if key == "" {
		return false
	}
	if key == "key" || strings.Contains(key, "api-key") || strings.Contains(key, "apikey") || strings.Contains(key, "api_key") {
		return true
	}
	return strings.Contains(key, "token") || strings.Contains(key, "secret")
}
