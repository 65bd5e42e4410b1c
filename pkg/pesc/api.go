package pesc

import (
	"context"
	"encoding/json"

	"github.com/pescbridge/pescbridge/pkg/types"
)

// API is the provider surface used by the rest of the daemon. Client talks
// to the real service and FakeClient serves demo data.
type API interface {
	UserAuth() types.UserAuth
	SetUserAuth(auth types.UserAuth)

	Login(ctx context.Context, username, password, loginType string) (AuthTransaction, error)
	SendConfirmation(ctx context.Context, tx AuthTransaction, confirmationType string) (AuthTransaction, error)
	Verify(ctx context.Context, tx AuthTransaction, code string) (types.UserAuth, error)
	CanReauth(auth types.UserAuth) bool
	Reauth(ctx context.Context, username, password string, auth types.UserAuth, loginType string) (types.UserAuth, error)
	Logout(ctx context.Context) error

	Accounts(ctx context.Context) ([]Account, error)
	ReadingType(ctx context.Context, accountID int) (string, error)
	Address(ctx context.Context, accountID int) (AccountAddress, error)
	Groups(ctx context.Context) ([]Group, error)
	Meters(ctx context.Context, accountID int) ([]Meter, error)
	Profile(ctx context.Context) (Profile, error)
	Subservices(ctx context.Context, providerID int) ([]Subservice, error)
	Details(ctx context.Context, accountID int) ([]DetailBlock, error)
	Tariff(ctx context.Context, accountID int) (json.RawMessage, error)
	Config(ctx context.Context) (map[string]any, error)
	UpdateValue(ctx context.Context, accountID int, meterID string, values []types.ScaleValue) error
}

var (
	_ API = (*Client)(nil)
	_ API = (*FakeClient)(nil)
)
