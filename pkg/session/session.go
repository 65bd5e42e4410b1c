// Package session keeps the provider credentials of one entry, runs the
// login flow and re-logs in when the bearer token expires.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/pescbridge/pescbridge/pkg/common"
	"github.com/pescbridge/pescbridge/pkg/log"
	"github.com/pescbridge/pescbridge/pkg/pesc"
	"github.com/pescbridge/pescbridge/pkg/storage"
	"github.com/pescbridge/pescbridge/pkg/types"
	"golang.org/x/sync/singleflight"
)

// ErrReauthRequired is returned when the stored credentials can no longer be
// used without the interactive login.
var ErrReauthRequired = errors.New("re-authentication required")

// ErrNoLogin is returned by the login steps when no login was started.
var ErrNoLogin = errors.New("no login in progress")

// ErrNotLoggedIn is returned when there are no stored credentials.
var ErrNotLoggedIn = errors.New("not logged in")

// ClientFactory builds a provider client for the given tokens.
type ClientFactory func(auth types.UserAuth) pesc.API

// Manager owns the credentials of a single entry.
type Manager struct {
	db            storage.Database
	entryID       string
	encryptionKey string
	newClient     ClientFactory
	now           func() time.Time

	mu             sync.Mutex
	client         pesc.API
	creds          types.Credentials
	reauthRequired bool
	listeners      []func(pesc.API)

	// in-flight login
	login *pendingLogin

	// storeMu serializes read-modify-write cycles of the stored settings
	storeMu sync.Mutex
	relogin singleflight.Group
}

type pendingLogin struct {
	client pesc.API
	tx     pesc.AuthTransaction
	creds  types.Credentials
}

// Configured registers the session flags and returns a manager backed by db.
func Configured(db storage.Database) *Manager {
	entryID := lflag.String("entry-id", "default", "Identifier of the stored login")
	encryptionKey := lflag.RequiredString("credentials-encryption-key", "Key for encrypting credentials (32 bytes)")
	timeout := lflag.Duration("pesc-timeout", 30*time.Second, "Timeout of a single request to the provider")
	baseURL := lflag.String("pesc-base-url", pesc.BaseURL, "Base URL of the provider site")
	requestInterval := lflag.Duration("pesc-request-interval", 200*time.Millisecond, "Minimum interval between requests to the provider, 0 disables the limit")

	m := &Manager{
		db:  db,
		now: time.Now,
	}
	lflag.Do(func() {
		m.entryID = *entryID
		m.encryptionKey = *encryptionKey
		if len(m.encryptionKey) != 32 {
			panic("credentials-encryption-key must be 32 bytes")
		}
		var rps float64
		if *requestInterval > 0 {
			rps = float64(time.Second) / float64(*requestInterval)
		}
		httpClient := common.ThrottledHTTPClient(*timeout, rps, 3)
		m.newClient = func(auth types.UserAuth) pesc.API {
			return pesc.NewWithBaseURL(httpClient, *baseURL, auth)
		}
	})
	return m
}

// New returns a manager for entryID. newClient is used for every non-demo
// login.
func New(db storage.Database, entryID, encryptionKey string, newClient ClientFactory) *Manager {
	return &Manager{
		db:            db,
		entryID:       entryID,
		encryptionKey: encryptionKey,
		newClient:     newClient,
		now:           time.Now,
	}
}

// EntryID returns the identifier the credentials are stored under.
func (m *Manager) EntryID() string {
	return m.entryID
}

// Load reads the stored settings, migrating them if needed, and prepares the
// provider client from the stored credentials. The client is only replaced
// when the credentials changed since the last load.
func (m *Manager) Load(ctx context.Context) (types.Settings, error) {
	m.storeMu.Lock()
	settings, err := m.settings(ctx)
	m.storeMu.Unlock()
	if err != nil {
		return types.Settings{}, err
	}
	creds, err := m.decryptCredentials(ctx, settings.EncryptedCredentials)
	if err != nil {
		return types.Settings{}, err
	}

	m.mu.Lock()
	changed := m.client == nil || creds != m.creds
	m.creds = creds
	m.reauthRequired = settings.AuthStatus.ReauthRequired
	if changed {
		m.client = m.clientFor(creds.Auth)
	}
	client := m.client
	m.mu.Unlock()

	if !changed {
		return settings, nil
	}
	m.notify(client)
	log.Ctx(ctx).DebugContext(
		ctx,
		"session loaded",
		slog.String("entryID", m.entryID),
		log.Masked("username", creds.Username),
		slog.Bool("demo", creds.Auth.Auth == pesc.FakeToken),
		slog.Bool("reauthRequired", settings.AuthStatus.ReauthRequired),
	)
	return settings, nil
}

// settings returns the stored settings at the current version, persisting
// the migration when one happened. storeMu must be held.
func (m *Manager) settings(ctx context.Context) (types.Settings, error) {
	settings, version, err := m.db.GetSettings(ctx, m.entryID)
	if err != nil {
		return types.Settings{}, fmt.Errorf("failed to get settings: %w", err)
	}
	settings, migrated, err := types.MigrateSettings(settings, version)
	if err != nil {
		return types.Settings{}, fmt.Errorf("failed to migrate settings: %w", err)
	}
	if migrated {
		log.Ctx(ctx).InfoContext(ctx, "migrated settings", slog.Int("from", version), slog.Int("to", types.CurrentSettingsVersion))
		if err := m.db.SetSettings(ctx, m.entryID, settings, types.CurrentSettingsVersion); err != nil {
			return types.Settings{}, fmt.Errorf("failed to save migrated settings: %w", err)
		}
	}
	return settings, nil
}

// update applies fn to the stored settings and saves the result. Nothing is
// saved when fn fails.
func (m *Manager) update(ctx context.Context, fn func(*types.Settings) error) (types.Settings, error) {
	m.storeMu.Lock()
	defer m.storeMu.Unlock()
	settings, err := m.settings(ctx)
	if err != nil {
		return types.Settings{}, err
	}
	if err := fn(&settings); err != nil {
		return types.Settings{}, err
	}
	if err := m.db.SetSettings(ctx, m.entryID, settings, types.CurrentSettingsVersion); err != nil {
		return types.Settings{}, fmt.Errorf("failed to save settings: %w", err)
	}
	return settings, nil
}

// UpdateSettings changes the stored options. Credential and auth status
// writes by the session wait for fn, so fn should only touch the options.
func (m *Manager) UpdateSettings(ctx context.Context, fn func(*types.Settings) error) (types.Settings, error) {
	return m.update(ctx, fn)
}

func (m *Manager) clientFor(auth types.UserAuth) pesc.API {
	if auth.Auth == pesc.FakeToken {
		c := pesc.NewFake()
		c.SetUserAuth(auth)
		return c
	}
	return m.newClient(auth)
}

// OnClientChange registers fn to be called whenever the provider client is
// replaced, for example after switching to the demo account.
func (m *Manager) OnClientChange(fn func(pesc.API)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) notify(client pesc.API) {
	m.mu.Lock()
	listeners := append([]func(pesc.API){}, m.listeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(client)
	}
}

// Client returns the provider client for the stored credentials.
func (m *Manager) Client() pesc.API {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		m.client = m.clientFor(m.creds.Auth)
	}
	return m.client
}

// Credentials returns a copy of the current credentials.
func (m *Manager) Credentials() types.Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds
}

// LoggedIn reports whether a bearer token is stored.
func (m *Manager) LoggedIn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds.Auth.Auth != ""
}

// ReauthRequired reports whether the interactive login has to be run again.
func (m *Manager) ReauthRequired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reauthRequired
}

// Login validates the credentials and starts a login. It returns the
// confirmation types the provider offers for the second factor.
func (m *Manager) Login(ctx context.Context, username, password, loginType string, savePassword bool) ([]string, error) {
	loginType = strings.ToUpper(loginType)
	username = NormalizeUsername(loginType, username)

	if err := ValidateCredentials(loginType, username, password); err != nil {
		return nil, err
	}

	var client pesc.API
	if pesc.IsFakeLogin(username, password) {
		client = pesc.NewFake()
	} else {
		client = m.newClient(types.UserAuth{})
	}

	tx, err := client.Login(ctx, username, password, loginType)
	if err != nil {
		return nil, err
	}

	creds := types.Credentials{
		LoginType: loginType,
		Username:  username,
	}
	if savePassword {
		creds.Password = password
	}

	m.mu.Lock()
	m.login = &pendingLogin{client: client, tx: tx, creds: creds}
	m.mu.Unlock()

	log.Ctx(ctx).InfoContext(ctx, "login started", log.Masked("username", username), slog.Any("types", tx.Types))
	return tx.Types, nil
}

// SendCode asks the provider to send the confirmation code.
func (m *Manager) SendCode(ctx context.Context, confirmationType string) error {
	m.mu.Lock()
	login := m.login
	m.mu.Unlock()
	if login == nil {
		return ErrNoLogin
	}

	tx, err := login.client.SendConfirmation(ctx, login.tx, confirmationType)
	if err != nil {
		return err
	}

	m.mu.Lock()
	login.tx = tx
	m.mu.Unlock()
	return nil
}

// VerifyCode completes the login with the received code and stores the
// resulting tokens.
func (m *Manager) VerifyCode(ctx context.Context, code string) error {
	m.mu.Lock()
	login := m.login
	m.mu.Unlock()
	if login == nil {
		return ErrNoLogin
	}

	auth, err := login.client.Verify(ctx, login.tx, code)
	if err != nil {
		return err
	}

	creds := login.creds
	creds.Auth = auth

	m.mu.Lock()
	m.login = nil
	m.creds = creds
	m.client = login.client
	m.reauthRequired = false
	m.mu.Unlock()

	if err := m.persist(ctx, creds, types.AuthStatus{LastAttempt: m.now()}); err != nil {
		return err
	}
	m.notify(login.client)
	log.Ctx(ctx).InfoContext(ctx, "login completed", log.Masked("username", creds.Username))
	return nil
}

// FetchTitle reads the profile of the logged in user and stores its display
// name as the title of the entry.
func (m *Manager) FetchTitle(ctx context.Context) (string, error) {
	if !m.LoggedIn() {
		return "", ErrNotLoggedIn
	}
	profile, err := m.Client().Profile(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to fetch profile: %w", err)
	}
	title := profile.DisplayName()
	_, err = m.update(ctx, func(settings *types.Settings) error {
		settings.Title = title
		return nil
	})
	if err != nil {
		return "", err
	}
	return title, nil
}

// Reauth re-authenticates the stored login with a new password. When the
// verified token allows it no second factor is needed and nil types are
// returned, otherwise a new login is started and its confirmation types are
// returned.
func (m *Manager) Reauth(ctx context.Context, password string) ([]string, error) {
	m.mu.Lock()
	creds := m.creds
	client := m.client
	m.mu.Unlock()
	if creds.Username == "" {
		return nil, errors.New("no stored login to re-authenticate")
	}
	if client == nil {
		client = m.Client()
	}

	if !client.CanReauth(creds.Auth) {
		return m.Login(ctx, creds.Username, password, creds.LoginType, creds.Password != "")
	}

	auth, err := client.Reauth(ctx, creds.Username, password, creds.Auth, creds.LoginType)
	if err != nil {
		return nil, err
	}
	creds.Auth = auth
	if creds.Password != "" {
		creds.Password = password
	}

	m.mu.Lock()
	m.creds = creds
	m.reauthRequired = false
	m.mu.Unlock()

	if err := m.persist(ctx, creds, types.AuthStatus{LastAttempt: m.now()}); err != nil {
		return nil, err
	}
	return nil, nil
}

// Relogin logs in again with the stored password and verified token. When
// that isn't possible ErrReauthRequired is returned. Concurrent calls share
// a single re-login.
func (m *Manager) Relogin(ctx context.Context) error {
	_, err, _ := m.relogin.Do("relogin", func() (any, error) {
		return nil, m.doRelogin(ctx)
	})
	return err
}

func (m *Manager) doRelogin(ctx context.Context) error {
	m.mu.Lock()
	creds := m.creds
	m.mu.Unlock()
	client := m.Client()

	if creds.Password == "" || !client.CanReauth(creds.Auth) {
		log.Ctx(ctx).WarnContext(ctx, "cannot re-login without a saved password and verified token", log.Masked("username", creds.Username))
		m.markReauthRequired(ctx)
		return ErrReauthRequired
	}

	auth, err := client.Reauth(ctx, creds.Username, creds.Password, creds.Auth, creds.LoginType)
	if err != nil {
		if rejected(err) {
			log.Ctx(ctx).WarnContext(ctx, "re-login rejected", slog.Any("error", err))
			m.markReauthRequired(ctx)
			return fmt.Errorf("%w: %w", ErrReauthRequired, err)
		}
		// server errors and network failures are retried on the next refresh
		log.Ctx(ctx).WarnContext(ctx, "re-login failed", slog.Any("error", err))
		return fmt.Errorf("failed to re-login: %w", err)
	}

	creds.Auth = auth
	m.mu.Lock()
	m.creds = creds
	m.reauthRequired = false
	m.mu.Unlock()

	log.Ctx(ctx).InfoContext(ctx, "re-login succeeded", log.Masked("username", creds.Username))
	return m.persist(ctx, creds, types.AuthStatus{LastAttempt: m.now()})
}

// rejected reports whether the provider refused the re-login itself rather
// than failing to answer it.
func rejected(err error) bool {
	if pesc.IsAuth(err) {
		return true
	}
	var ce *pesc.ClientError
	return errors.As(err, &ce) && ce.Code >= 400 && ce.Code < 500
}

// Do runs fn and, if it fails with an auth error, re-logs in and runs it
// once more. An auth error on the second attempt is reported as
// ErrReauthRequired.
func (m *Manager) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.ReauthRequired() {
		return ErrReauthRequired
	}

	err := fn(ctx)
	if !pesc.IsAuth(err) {
		return err
	}
	log.Ctx(ctx).InfoContext(ctx, "auth error, re-logging in", slog.Any("error", err))

	if err := m.Relogin(ctx); err != nil {
		return err
	}

	err = fn(ctx)
	if pesc.IsAuth(err) {
		m.markReauthRequired(ctx)
		return fmt.Errorf("%w: %w", ErrReauthRequired, err)
	}
	return err
}

// Logout invalidates the tokens at the provider and forgets the stored
// credentials.
func (m *Manager) Logout(ctx context.Context) error {
	if err := m.Client().Logout(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "provider logout failed", slog.Any("error", err))
	}

	m.mu.Lock()
	m.creds = types.Credentials{}
	m.client = nil
	m.reauthRequired = false
	m.mu.Unlock()

	_, err := m.update(ctx, func(settings *types.Settings) error {
		settings.EncryptedCredentials = nil
		settings.AuthStatus = types.AuthStatus{}
		settings.Title = ""
		return nil
	})
	return err
}

func (m *Manager) markReauthRequired(ctx context.Context) {
	m.mu.Lock()
	m.reauthRequired = true
	m.mu.Unlock()

	_, err := m.update(ctx, func(settings *types.Settings) error {
		settings.AuthStatus.ConsecutiveFailures++
		settings.AuthStatus.LastAttempt = m.now()
		settings.AuthStatus.ReauthRequired = true
		return nil
	})
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to save auth status", slog.Any("error", err))
	}
}

func (m *Manager) persist(ctx context.Context, creds types.Credentials, status types.AuthStatus) error {
	encrypted, err := m.encryptCredentials(ctx, creds)
	if err != nil {
		return err
	}
	_, err = m.update(ctx, func(settings *types.Settings) error {
		settings.EncryptedCredentials = encrypted
		settings.AuthStatus = status
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}
