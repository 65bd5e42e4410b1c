package pesc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/pescbridge/pescbridge/pkg/log"
	"github.com/pescbridge/pescbridge/pkg/types"
)

// BaseURL is the public site of the provider.
const BaseURL = "https://ikus.pesc.ru"

const (
	apiPath      = "api"
	authEndpoint = "v8/users/auth"
	customer     = "ikus-spb"
	// debug logging of list responses is skipped above this size
	maxLoggedItems = 100
)

// Client talks to the PESC personal account API.
type Client struct {
	client  *http.Client
	baseURL string

	mu   sync.Mutex
	auth types.UserAuth
}

// New returns a client for the provider. auth may be empty until Verify or
// Reauth succeeds.
func New(client *http.Client, auth types.UserAuth) *Client {
	return &Client{
		client:  client,
		baseURL: BaseURL,
		auth:    auth,
	}
}

// NewWithBaseURL is New against another host, such as a caching proxy.
func NewWithBaseURL(client *http.Client, baseURL string, auth types.UserAuth) *Client {
	c := New(client, auth)
	c.baseURL = strings.TrimSuffix(baseURL, "/")
	return c
}

// UserAuth returns the current token set.
func (c *Client) UserAuth() types.UserAuth {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auth
}

// SetUserAuth replaces the token set used for the bearer header.
func (c *Client) SetUserAuth(auth types.UserAuth) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auth = auth
}

// Login starts a login and returns the pending transaction. The provider
// answers 424 with the available confirmation types when the password is
// correct.
func (c *Client) Login(ctx context.Context, username, password, loginType string) (AuthTransaction, error) {
	req, err := c.newJSONRequest(ctx, http.MethodPost, authEndpoint, map[string]string{
		"login":    username,
		"password": password,
		"type":     loginType,
	})
	if err != nil {
		return AuthTransaction{}, err
	}
	req.Header.Set("Captcha", "none")

	var tx AuthTransaction
	if err := c.doExpecting(req, http.StatusFailedDependency, "unexpected auth response status", &tx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "pesc login failed", log.Masked("username", username), slog.Any("error", err))
		return AuthTransaction{}, err
	}
	log.Ctx(ctx).DebugContext(ctx, "pesc login started", slog.String("transactionID", tx.TransactionID), slog.Any("types", tx.Types))
	return tx, nil
}

// SendConfirmation asks the provider to send the second factor code.
func (c *Client) SendConfirmation(ctx context.Context, tx AuthTransaction, confirmationType string) (AuthTransaction, error) {
	confirmationType = strings.ToLower(confirmationType)
	req, err := c.newJSONRequest(ctx, http.MethodPost, fmt.Sprintf("v7/users/%s/%s/check/confirmation/send", tx.TransactionID, confirmationType), struct{}{})
	if err != nil {
		return tx, err
	}
	req.Header.Set("Referer", c.verifyReferer(tx))

	// the body doesn't matter
	if err := c.doExpecting(req, http.StatusOK, "unexpected confirmation send response status", nil); err != nil {
		return tx, err
	}
	tx.ConfirmationType = confirmationType
	log.Ctx(ctx).DebugContext(ctx, "pesc confirmation sent", slog.String("transactionID", tx.TransactionID), slog.String("type", confirmationType))
	return tx, nil
}

// Verify completes the login with the received code. On success the client
// starts using the returned bearer token.
func (c *Client) Verify(ctx context.Context, tx AuthTransaction, code string) (types.UserAuth, error) {
	if tx.ConfirmationType == "" {
		return types.UserAuth{}, fmt.Errorf("confirmation was not sent for transaction %s", tx.TransactionID)
	}
	req, err := c.newJSONRequest(ctx, http.MethodPost, fmt.Sprintf("v7/users/%s/%s/check/verification", tx.TransactionID, tx.ConfirmationType), map[string]string{
		"code": code,
	})
	if err != nil {
		return types.UserAuth{}, err
	}
	req.Header.Set("Referer", c.verifyReferer(tx))

	var auth types.UserAuth
	if err := c.doExpecting(req, http.StatusOK, "unexpected verification response status", &auth); err != nil {
		return types.UserAuth{}, err
	}
	c.SetUserAuth(auth)
	log.Ctx(ctx).DebugContext(ctx, "pesc verification success", slog.Bool("verified", auth.Verified != ""))
	return auth, nil
}

// CanReauth reports whether auth allows a login without the second factor.
func (c *Client) CanReauth(auth types.UserAuth) bool {
	return auth.Verified != ""
}

// Reauth logs in again using the verified token instead of a second factor.
// The verified token is carried over into the returned auth.
func (c *Client) Reauth(ctx context.Context, username, password string, auth types.UserAuth, loginType string) (types.UserAuth, error) {
	if !c.CanReauth(auth) {
		return types.UserAuth{}, ErrNoVerifiedToken
	}
	req, err := c.newJSONRequest(ctx, http.MethodPost, authEndpoint, map[string]string{
		"login":    username,
		"password": password,
		"type":     loginType,
	})
	if err != nil {
		return types.UserAuth{}, err
	}
	req.Header.Set("Captcha", "none")
	req.Header.Set("Auth-verification", auth.Verified)

	resp, err := c.client.Do(req)
	if err != nil {
		return types.UserAuth{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return types.UserAuth{}, &ClientError{
			Code:    resp.StatusCode,
			Message: "unexpected reauth response status",
			Method:  req.Method,
			URL:     req.URL.String(),
		}
	}
	var res types.UserAuth
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return types.UserAuth{}, fmt.Errorf("failed to decode reauth response: %w", err)
	}
	if res.Verified == "" {
		res.Verified = auth.Verified
	}
	c.SetUserAuth(res)
	log.Ctx(ctx).DebugContext(ctx, "pesc reauth success")
	return res, nil
}

// Logout invalidates the current tokens.
func (c *Client) Logout(ctx context.Context) error {
	req, err := c.newJSONRequest(ctx, http.MethodDelete, "v6/users/auth", c.UserAuth())
	if err != nil {
		return err
	}
	c.setBearer(req)
	if err := c.do(req, nil); err != nil {
		return err
	}
	c.SetUserAuth(types.UserAuth{})
	return nil
}

func (c *Client) Accounts(ctx context.Context) ([]Account, error) {
	var res []Account
	return res, c.get(ctx, "v8/accounts", &res)
}

// ReadingType returns "auto" or "manual" for the account.
func (c *Client) ReadingType(ctx context.Context, accountID int) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf("v8/accounts/%d/reading-types", accountID), nil)
	if err != nil {
		return "", err
	}
	c.setBearer(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", c.responseError(req, resp.StatusCode, body)
	}
	return strings.Trim(strings.TrimSpace(string(body)), `"`), nil
}

func (c *Client) Address(ctx context.Context, accountID int) (AccountAddress, error) {
	var res AccountAddress
	return res, c.get(ctx, fmt.Sprintf("v8/accounts/%d/address", accountID), &res)
}

func (c *Client) Groups(ctx context.Context) ([]Group, error) {
	var res []Group
	return res, c.get(ctx, "v6/accounts/groups", &res)
}

func (c *Client) Meters(ctx context.Context, accountID int) ([]Meter, error) {
	var res []Meter
	return res, c.get(ctx, fmt.Sprintf("v6/accounts/%d/meters/info", accountID), &res)
}

func (c *Client) Profile(ctx context.Context) (Profile, error) {
	var res Profile
	return res, c.get(ctx, "v6/users/current", &res)
}

func (c *Client) Subservices(ctx context.Context, providerID int) ([]Subservice, error) {
	var res []Subservice
	return res, c.get(ctx, fmt.Sprintf("v7/accounts/providers/%d/subservices", providerID), &res)
}

// Details returns the account detail blocks which include the tariffs.
func (c *Client) Details(ctx context.Context, accountID int) ([]DetailBlock, error) {
	var res []DetailBlock
	return res, c.get(ctx, fmt.Sprintf("v7/accounts/%d/details", accountID), &res)
}

// Tariff returns the legacy tariff document as is.
func (c *Client) Tariff(ctx context.Context, accountID int) (json.RawMessage, error) {
	var res json.RawMessage
	return res, c.get(ctx, fmt.Sprintf("v3/accounts/%d/tariff", accountID), &res)
}

// Config returns the public site configuration.
func (c *Client) Config(ctx context.Context) (map[string]any, error) {
	u, err := url.JoinPath(c.baseURL, "config.json")
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	var res map[string]any
	return res, c.do(req, &res)
}

// UpdateValue submits readings for the meter. The provider answers with an
// empty body.
func (c *Client) UpdateValue(ctx context.Context, accountID int, meterID string, values []types.ScaleValue) error {
	log.Ctx(ctx).DebugContext(ctx, "pesc update value", slog.Int("accountID", accountID), slog.String("meterID", meterID), slog.Any("values", values))
	req, err := c.newJSONRequest(ctx, http.MethodPost, fmt.Sprintf("v7/accounts/%d/meters/%s/reading", accountID, url.PathEscape(meterID)), values)
	if err != nil {
		return err
	}
	c.setBearer(req)
	return c.do(req, nil)
}

func (c *Client) get(ctx context.Context, endpoint string, dest any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	c.setBearer(req)
	if err := c.do(req, dest); err != nil {
		return err
	}
	if log.Ctx(ctx).Enabled(ctx, slog.LevelDebug) {
		log.Ctx(ctx).DebugContext(ctx, "pesc response", slog.String("endpoint", endpoint), slog.Any("result", loggable(dest)))
	}
	return nil
}

func loggable(dest any) any {
	b, err := json.Marshal(dest)
	if err != nil {
		return nil
	}
	var items []json.RawMessage
	if json.Unmarshal(b, &items) == nil && len(items) > maxLoggedItems {
		return "result is too large to display"
	}
	return json.RawMessage(b)
}

func (c *Client) verifyReferer(tx AuthTransaction) string {
	return fmt.Sprintf("%s/auth/%s/verify", BaseURL, tx.TransactionID)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, apiPath, endpoint)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Customer", customer)
	return req, nil
}

func (c *Client) newJSONRequest(ctx context.Context, method, endpoint string, data any) (*http.Request, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return c.newRequest(ctx, method, endpoint, bytes.NewReader(body))
}

func (c *Client) setBearer(req *http.Request) {
	if auth := c.UserAuth(); auth.Auth != "" {
		req.Header.Set("Authorization", "Bearer "+auth.Auth)
	}
}

// do sends the request and decodes a 200 response into dest.
func (c *Client) do(req *http.Request, dest any) error {
	ctx := req.Context()
	log.Ctx(ctx).DebugContext(ctx, "pesc request", slog.String("method", req.Method), slog.String("url", req.URL.String()))

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		err := c.responseError(req, resp.StatusCode, body)
		if !IsAuth(err) {
			log.Ctx(ctx).ErrorContext(ctx, "pesc request failed", slog.Any("error", err))
		}
		return err
	}
	if dest == nil {
		return nil
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "application/json" {
		log.Ctx(ctx).WarnContext(ctx, "unknown content type", slog.String("contentType", resp.Header.Get("Content-Type")), slog.Int("contentLength", len(body)))
		return nil
	}
	if err := json.Unmarshal(body, dest); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode pesc response", slog.Any("error", err), slog.String("body", string(body)))
		return &ClientError{Code: resp.StatusCode, Message: "failed to decode response: " + err.Error(), Method: req.Method, URL: req.URL.String()}
	}
	return nil
}

// doExpecting is do for the login endpoints that answer with a status other
// than 200 on success. Failures use the body message when there is one.
func (c *Client) doExpecting(req *http.Request, status int, defaultMessage string, dest any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != status {
		ce := &ClientError{
			Code:    resp.StatusCode,
			Message: defaultMessage,
			Method:  req.Method,
			URL:     req.URL.String(),
		}
		var eb errorBody
		if json.Unmarshal(body, &eb) == nil && eb.Message != "" {
			ce = eb.toError(req.Method, req.URL.String())
			// code 5 here is a rejected password or code, not an expired token
			ce.Auth = false
		}
		return ce
	}
	if dest == nil {
		return nil
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("failed to decode %s response (status %d): %w", req.URL.Path, resp.StatusCode, err)
	}
	return nil
}

func (c *Client) responseError(req *http.Request, status int, body []byte) error {
	if status == http.StatusNotFound {
		return &ClientError{Code: http.StatusNotFound, Message: "page not found", Method: req.Method, URL: req.URL.String()}
	}
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return &ClientError{Code: status, Message: http.StatusText(status), Method: req.Method, URL: req.URL.String()}
	}
	return eb.toError(req.Method, req.URL.String())
}
