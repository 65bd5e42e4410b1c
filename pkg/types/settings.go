package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CurrentSettingsVersion is the current version of the settings struct.
// Increment this value when adding new fields that require default values.
const CurrentSettingsVersion = 2

const (
	DefaultUpdateInterval = 12 * time.Hour
	MinUpdateInterval     = time.Hour
)

// Settings represents the per-entry configuration stored in the database.
// These are the options that can be changed without re-running the login.
type Settings struct {
	// Pause polling
	Pause bool `json:"pause"`

	// How often to fetch readings from the provider
	UpdateInterval Duration `json:"updateInterval"`

	// Publish a tariff rate sensor next to every meter sensor
	RatesSensors bool `json:"ratesSensors"`

	// Put meter sensors in the diagnostic entity category
	DiagnosticSensors bool `json:"diagnosticSensors"`

	// Name of the logged in user, shown as the title of the entry
	Title string `json:"title,omitempty"`

	AuthStatus AuthStatus `json:"authStatus"`

	// Credentials for the provider (encrypted)
	EncryptedCredentials []byte `json:"encryptedCredentials,omitempty"`
}

// AuthStatus tracks failed re-logins so the daemon stops hitting the
// provider once a second factor is required.
type AuthStatus struct {
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastAttempt         time.Time `json:"lastAttempt"`
	ReauthRequired      bool      `json:"reauthRequired"`
}

// Validate checks the user-editable fields.
func (s Settings) Validate() error {
	if s.UpdateInterval.Duration() < MinUpdateInterval {
		return fmt.Errorf("updateInterval must be at least %s", MinUpdateInterval)
	}
	return nil
}

// Credentials for the provider account
type Credentials struct {
	LoginType string `json:"loginType"`
	Username  string `json:"username"`
	// Password is only kept when the user asked to save it, without it the
	// daemon can't re-login on its own.
	Password string   `json:"password,omitempty"`
	Auth     UserAuth `json:"auth"`
}

// UserAuth is the token set returned by the provider after verification.
type UserAuth struct {
	// Auth is sent as the bearer token
	Auth string `json:"auth"`
	// Verified allows a re-login without the second factor
	Verified string `json:"verified,omitempty"`
	Access   string `json:"access,omitempty"`
}

// Duration is a time.Duration that marshals as a string like "12h0m0s".
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		*d = Duration(parsed)
	case nil:
		*d = 0
	default:
		return errors.New("invalid duration")
	}
	return nil
}

// MigrateSettings migrates the settings to the current version.
// It returns the migrated settings, a boolean indicating if changes were made, and an error if migration failed.
func MigrateSettings(s Settings, currentVersion int) (Settings, bool, error) {
	if currentVersion >= CurrentSettingsVersion {
		return s, false, nil
	}

	migrated := false
	for version := currentVersion + 1; version <= CurrentSettingsVersion; version++ {
		switch version {
		case 1:
			// version 1: initial
			if s.UpdateInterval == 0 {
				s.UpdateInterval = Duration(DefaultUpdateInterval)
				migrated = true
			}
			if !s.RatesSensors {
				s.RatesSensors = true
				migrated = true
			}
		case 2:
			// version 2: enforce the minimum interval
			if s.UpdateInterval.Duration() < MinUpdateInterval {
				s.UpdateInterval = Duration(MinUpdateInterval)
				migrated = true
			}
		default:
			return s, false, fmt.Errorf("unknown settings version: %d", version)
		}
	}

	return s, migrated, nil
}
