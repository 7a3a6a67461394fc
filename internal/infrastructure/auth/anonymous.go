package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/warpgate/warpgate/pkg/errors"
)

const createAnonymousUserQuery = `mutation CreateAnonymousUser($input: CreateAnonymousUserInput!, $requestContext: RequestContext!) {
  createAnonymousUser(input: $input, requestContext: $requestContext) {
    __typename
    ... on CreateAnonymousUserOutput {
      expiresAt
      anonymousUserType
      firebaseUid
      idToken
      isInviteValid
      responseContext { serverVersion }
    }
    ... on UserFacingError {
      error { __typename message }
      responseContext { serverVersion }
    }
  }
}
`

// AcquireAnonymousAccessToken mints a fresh identity when quota is
// exhausted: CreateAnonymousUser (GraphQL) → signInWithCustomToken
// (identity toolkit) → token refresh. Both the refresh token and the access
// token are persisted. Concurrent callers share one acquisition.
func (m *Manager) AcquireAnonymousAccessToken(ctx context.Context) (string, error) {
	v, err, _ := m.group.Do("anonymous", func() (any, error) {
		return m.acquireAnonymous(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) acquireAnonymous(ctx context.Context) (string, error) {
	m.logger.Info("acquiring anonymous access token")

	idToken, err := m.createAnonymousUser(ctx)
	if err != nil {
		return "", err
	}
	refreshToken, err := m.exchangeIDToken(ctx, idToken)
	if err != nil {
		return "", err
	}
	if err := m.env.Set("WARP_REFRESH_TOKEN", refreshToken); err != nil {
		return "", errors.Wrap(errors.CodeUnauthenticated, "persisting refresh token failed", err)
	}

	payload := []byte("grant_type=refresh_token&refresh_token=" + refreshToken)
	tokenData, err := m.requestRefresh(ctx, payload)
	if err != nil {
		return "", err
	}
	access, _ := tokenData["access_token"].(string)
	if access == "" {
		return "", errors.NewUnauthenticatedError("no access_token in refresh response", nil)
	}
	if err := m.env.Set("WARP_JWT", access); err != nil {
		return "", errors.Wrap(errors.CodeUnauthenticated, "persisting anonymous JWT failed", err)
	}
	m.logger.Info("anonymous access token acquired")
	return access, nil
}

func (m *Manager) createAnonymousUser(ctx context.Context) (string, error) {
	body := map[string]any{
		"query":         createAnonymousUserQuery,
		"operationName": "CreateAnonymousUser",
		"variables": map[string]any{
			"input": map[string]any{
				"anonymousUserType": "NATIVE_CLIENT_ANONYMOUS_USER_FEATURE_GATED",
				"expirationType":    "NO_EXPIRATION",
				"referralCode":      nil,
			},
			"requestContext": map[string]any{
				"clientContext": map[string]any{"version": ClientVersion},
				"osContext": map[string]any{
					"category":           OSCategory,
					"linuxKernelVersion": nil,
					"name":               OSName,
					"version":            OSVersion,
				},
			},
		},
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return "", errors.Wrap(errors.CodeUnauthenticated, "encoding CreateAnonymousUser body failed", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, anonymousGraphQLURL, bytes.NewReader(raw))
	if err != nil {
		return "", errors.Wrap(errors.CodeUnauthenticated, "building CreateAnonymousUser request failed", err)
	}
	setClientHeaders(req.Header)
	req.Header.Set("content-type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", errors.Wrap(errors.CodeUnauthenticated, "CreateAnonymousUser request failed", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", errors.NewUnauthenticatedError(
			fmt.Sprintf("CreateAnonymousUser failed: HTTP %d %s", resp.StatusCode, snippet(respBody)), nil)
	}

	var parsed struct {
		Data struct {
			CreateAnonymousUser struct {
				IDToken string `json:"idToken"`
			} `json:"createAnonymousUser"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", errors.Wrap(errors.CodeUnauthenticated, "parsing CreateAnonymousUser response failed", err)
	}
	if parsed.Data.CreateAnonymousUser.IDToken == "" {
		return "", errors.NewUnauthenticatedError("CreateAnonymousUser did not return idToken", nil)
	}
	return parsed.Data.CreateAnonymousUser.IDToken, nil
}

func (m *Manager) exchangeIDToken(ctx context.Context, idToken string) (string, error) {
	key := extractAPIKey(RefreshURL)
	if key == "" {
		key = fallbackAPIKey
	}
	form := url.Values{}
	form.Set("returnSecureToken", "true")
	form.Set("token", idToken)
	encoded := form.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		identityToolkitBase+"?key="+key, strings.NewReader(encoded))
	if err != nil {
		return "", errors.Wrap(errors.CodeUnauthenticated, "building signInWithCustomToken request failed", err)
	}
	setClientHeaders(req.Header)
	req.Header.Set("content-type", "application/x-www-form-urlencoded")
	req.Header.Set("content-length", strconv.Itoa(len(encoded)))

	resp, err := m.client.Do(req)
	if err != nil {
		return "", errors.Wrap(errors.CodeUnauthenticated, "signInWithCustomToken request failed", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", errors.NewUnauthenticatedError(
			fmt.Sprintf("signInWithCustomToken failed: HTTP %d %s", resp.StatusCode, snippet(respBody)), nil)
	}

	var parsed struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", errors.Wrap(errors.CodeUnauthenticated, "parsing signInWithCustomToken response failed", err)
	}
	if parsed.RefreshToken == "" {
		return "", errors.NewUnauthenticatedError("signInWithCustomToken did not return refreshToken", nil)
	}
	return parsed.RefreshToken, nil
}

// extractAPIKey pulls the key query parameter out of the refresh URL.
func extractAPIKey(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return parsed.Query().Get("key")
}
