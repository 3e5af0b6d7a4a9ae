// Package api is the request/response half of the backend interface:
// signin, the initial message page, conversation metadata, and profiles.
// Everything event-shaped goes over the transport session instead.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	apperrors "github.com/Abhishek12890551/together-sub000/internal/errors"
)

// Client talks to the backend REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// NewClient creates an API client with the given http.Client.
// If httpClient is nil, http.DefaultClient is used.
func NewClient(httpClient *http.Client, baseURL string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
	}
}

// SetToken sets the bearer token attached to subsequent requests.
func (c *Client) SetToken(token string) {
	c.token = token
}

// do sends a JSON request and decodes the response into result.
func (c *Client) do(ctx context.Context, method, endpoint string, body, result any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("API %s: %w", endpoint, apperrors.ErrInvalidToken)
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("API %s: %w", endpoint, apperrors.ErrConversationNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr APIError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("API %s (%d): %s: %w", endpoint, resp.StatusCode, apiErr.Error, apperrors.ErrAPIRequest)
		}
		return fmt.Errorf("API %s returned status %d: %w", endpoint, resp.StatusCode, apperrors.ErrAPIRequest)
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", endpoint, err)
		}
	}

	return nil
}

// Signin authenticates with email and password, returning a session token
// and the caller's identity.
func (c *Client) Signin(ctx context.Context, email, password string) (*SigninResponse, error) {
	req := SigninRequest{
		Email:    email,
		Password: password,
	}

	var resp SigninResponse
	if err := c.do(ctx, http.MethodPost, "/auth/signin", req, &resp); err != nil {
		if errors.Is(err, apperrors.ErrInvalidToken) {
			return nil, fmt.Errorf("signing in: %w", apperrors.ErrInvalidCredentials)
		}
		return nil, fmt.Errorf("signing in: %w", err)
	}
	if resp.Token == "" || resp.UserID == "" {
		return nil, fmt.Errorf("signing in: missing token or user id: %w", apperrors.ErrAPIResponse)
	}

	return &resp, nil
}

// Messages returns the initial ordered page for a conversation. A non-zero
// sinceMillis bounds the page to messages newer than the stored cursor.
func (c *Client) Messages(ctx context.Context, conversationID string, sinceMillis int64) (*MessagePage, error) {
	endpoint := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if sinceMillis > 0 {
		endpoint += fmt.Sprintf("?since=%d", sinceMillis)
	}

	var page MessagePage
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &page); err != nil {
		return nil, fmt.Errorf("fetching messages for %s: %w", conversationID, err)
	}

	return &page, nil
}

// Conversation returns the metadata for a conversation: participants,
// group flag, and admin.
func (c *Client) Conversation(ctx context.Context, conversationID string) (*Conversation, error) {
	var conv Conversation
	endpoint := "/conversations/" + url.PathEscape(conversationID)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &conv); err != nil {
		return nil, fmt.Errorf("fetching conversation %s: %w", conversationID, err)
	}

	return &conv, nil
}

// Profile returns the profile for a user.
func (c *Client) Profile(ctx context.Context, userID string) (*Profile, error) {
	var p Profile
	endpoint := "/users/" + url.PathEscape(userID)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &p); err != nil {
		return nil, fmt.Errorf("fetching profile %s: %w", userID, err)
	}

	return &p, nil
}
