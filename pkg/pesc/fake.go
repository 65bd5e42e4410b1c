package pesc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pescbridge/pescbridge/pkg/log"
	"github.com/pescbridge/pescbridge/pkg/types"
)

// FakeToken is the bearer token of the demo account.
const FakeToken = "ABC-TEST-DEF"

const fakeProviderID = 1

// IsFakeLogin reports whether the credentials select the demo account.
func IsFakeLogin(username, password string) bool {
	return strings.HasPrefix(username, "test") && password == "test"
}

// FakeClient serves a fixed set of demo accounts without talking to the
// provider. Submitted readings are applied to its in-memory meters.
type FakeClient struct {
	mu       sync.Mutex
	auth     types.UserAuth
	accounts []Account
	groups   []Group
	meters   map[int][]Meter
	now      func() time.Time
}

// NewFake returns a demo client with three accounts, the second of which is
// read automatically.
func NewFake() *FakeClient {
	f := &FakeClient{
		auth:   types.UserAuth{Auth: FakeToken},
		meters: map[int][]Meter{},
		now:    time.Now,
	}
	for i := 0; i < 3; i++ {
		readingType := "manual"
		if i == 1 {
			readingType = ReadingTypeAuto
		}
		shorted := "ЛС"
		if i == 0 {
			shorted = "ЕЛС"
		}
		f.accounts = append(f.accounts, Account{
			ID:          i,
			Alias:       fmt.Sprintf("Аккаунт %d", i),
			ReadingType: readingType,
			Address:     AccountAddress{Value: fmt.Sprintf("ул Ленина, %d", i)},
			Tenancy: Tenancy{
				Register: fmt.Sprintf("000/00%d", i),
				Name:     TenancyName{Shorted: shorted},
			},
			Service: AccountService{ID: 1, ProviderID: fakeProviderID},
		})

		if i == 1 {
			f.groups[0].Accounts = append(f.groups[0].Accounts, i)
		} else {
			f.groups = append(f.groups, Group{ID: i, Name: fmt.Sprintf("Группа %d", i), Accounts: []int{i}})
		}

		registration := "000000"
		if i == 1 {
			registration = "111111"
		}
		meter := Meter{
			ID:           MeterID{Provider: fakeProviderID, Registration: registration},
			Serial:       registration,
			SubserviceID: 1,
			Status:       "ACTIVE",
		}
		for ind := 0; ind < 2; ind++ {
			name, scale := "Ночь", 3
			if ind%2 != 0 {
				name, scale = "День", 2
			}
			meter.Indications = append(meter.Indications, MeterIndication{
				MeterScaleID:        scale,
				PreviousReading:     float64((ind + 1) * 1000),
				PreviousReadingDate: "23.01.2023",
				ScaleName:           name,
				Unit:                "кВт*ч",
			})
		}
		f.meters[i] = []Meter{meter}
	}
	return f
}

func (f *FakeClient) UserAuth() types.UserAuth {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.auth
}

func (f *FakeClient) SetUserAuth(auth types.UserAuth) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.auth = auth
}

func (f *FakeClient) Login(ctx context.Context, username, password, loginType string) (AuthTransaction, error) {
	if !IsFakeLogin(username, password) {
		return AuthTransaction{}, &ClientError{Code: 401, Message: "invalid demo credentials", Auth: true}
	}
	return AuthTransaction{TransactionID: "demo", Types: []string{ConfirmationSMS, ConfirmationEmail}}, nil
}

func (f *FakeClient) SendConfirmation(ctx context.Context, tx AuthTransaction, confirmationType string) (AuthTransaction, error) {
	tx.ConfirmationType = strings.ToLower(confirmationType)
	return tx, nil
}

func (f *FakeClient) Verify(ctx context.Context, tx AuthTransaction, code string) (types.UserAuth, error) {
	auth := types.UserAuth{Auth: FakeToken, Verified: FakeToken}
	f.SetUserAuth(auth)
	return auth, nil
}

func (f *FakeClient) CanReauth(auth types.UserAuth) bool {
	return auth.Verified != ""
}

func (f *FakeClient) Reauth(ctx context.Context, username, password string, auth types.UserAuth, loginType string) (types.UserAuth, error) {
	if !f.CanReauth(auth) {
		return types.UserAuth{}, ErrNoVerifiedToken
	}
	f.SetUserAuth(auth)
	return auth, nil
}

func (f *FakeClient) Logout(ctx context.Context) error {
	f.SetUserAuth(types.UserAuth{})
	return nil
}

func (f *FakeClient) Accounts(ctx context.Context) ([]Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Account(nil), f.accounts...), nil
}

func (f *FakeClient) account(id int) (Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.accounts {
		if a.ID == id {
			return a, nil
		}
	}
	return Account{}, &ClientError{Code: 404, Message: "page not found"}
}

func (f *FakeClient) ReadingType(ctx context.Context, accountID int) (string, error) {
	a, err := f.account(accountID)
	return a.ReadingType, err
}

func (f *FakeClient) Address(ctx context.Context, accountID int) (AccountAddress, error) {
	a, err := f.account(accountID)
	return a.Address, err
}

func (f *FakeClient) Groups(ctx context.Context) ([]Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Group(nil), f.groups...), nil
}

func (f *FakeClient) Meters(ctx context.Context, accountID int) ([]Meter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []Meter
	for _, m := range f.meters[accountID] {
		m.Indications = append([]MeterIndication(nil), m.Indications...)
		res = append(res, m)
	}
	return res, nil
}

func (f *FakeClient) Profile(ctx context.Context) (Profile, error) {
	return Profile{
		Email: "a@b.c",
		Phone: "+71234567890",
		Name:  ProfileName{Last: "Иванов", First: "Иван"},
	}, nil
}

func (f *FakeClient) Subservices(ctx context.Context, providerID int) ([]Subservice, error) {
	return []Subservice{{
		ID:      1,
		Name:    "Электроэнергия",
		Type:    "BASIC_WITH_VARIABLE_PRICE",
		Utility: UtilityElectricity,
	}}, nil
}

func (f *FakeClient) Details(ctx context.Context, accountID int) ([]DetailBlock, error) {
	return []DetailBlock{{
		Header:    "Электроэнергия",
		BlockType: "TABLE",
		Columns:   []DetailColumn{{Code: "rate", Name: "Тариф, руб/кВт*ч"}},
		Content: []DetailEntry{
			{Name: "Тип тарифа", Value: "Двухтарифный"},
			{Name: "День", Description: "07:00 - 23:00", Columns: []DetailCell{{Code: "rate", Value: "5.30"}}},
			{Name: "Ночь", Description: "23:00 - 07:00", Columns: []DetailCell{{Code: "rate", Value: "3.10"}}},
		},
	}}, nil
}

func (f *FakeClient) Tariff(ctx context.Context, accountID int) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (f *FakeClient) Config(ctx context.Context) (map[string]any, error) {
	return map[string]any{}, nil
}

func (f *FakeClient) UpdateValue(ctx context.Context, accountID int, meterID string, values []types.ScaleValue) error {
	log.Ctx(ctx).DebugContext(ctx, "demo update value", slog.Int("accountID", accountID), slog.String("meterID", meterID), slog.Any("values", values))
	f.mu.Lock()
	defer f.mu.Unlock()
	meters := f.meters[accountID]
	for mi := range meters {
		if meters[mi].ID.Registration != meterID {
			continue
		}
		for ii := range meters[mi].Indications {
			ind := &meters[mi].Indications[ii]
			for _, v := range values {
				if v.ScaleID == ind.MeterScaleID {
					ind.PreviousReading = v.Value
					ind.PreviousReadingDate = f.now().Format(DateLayout)
				}
			}
		}
		return nil
	}
	return &ClientError{Code: 404, Message: "page not found"}
}
