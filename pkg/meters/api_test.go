package meters

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pescbridge/pescbridge/pkg/pesc"
	"github.com/pescbridge/pescbridge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubAPI serves the demo data with overridable endpoints.
type stubAPI struct {
	*pesc.FakeClient

	mu          sync.Mutex
	accounts    []pesc.Account
	meters      map[int][]pesc.Meter
	profile     *pesc.Profile
	detailsErr  error
	subsErr     error
	metersErr   error
	subservices []pesc.Subservice
	updated     []types.ScaleValue
}

func (s *stubAPI) Accounts(ctx context.Context) ([]pesc.Account, error) {
	if s.accounts != nil {
		return s.accounts, nil
	}
	return s.FakeClient.Accounts(ctx)
}

func (s *stubAPI) ReadingType(ctx context.Context, accountID int) (string, error) {
	if s.accounts != nil {
		for _, a := range s.accounts {
			if a.ID == accountID {
				return a.ReadingType, nil
			}
		}
	}
	return s.FakeClient.ReadingType(ctx, accountID)
}

func (s *stubAPI) Address(ctx context.Context, accountID int) (pesc.AccountAddress, error) {
	if s.accounts != nil {
		for _, a := range s.accounts {
			if a.ID == accountID {
				return a.Address, nil
			}
		}
	}
	return s.FakeClient.Address(ctx, accountID)
}

func (s *stubAPI) Meters(ctx context.Context, accountID int) ([]pesc.Meter, error) {
	if s.metersErr != nil {
		return nil, s.metersErr
	}
	if s.meters != nil {
		return s.meters[accountID], nil
	}
	return s.FakeClient.Meters(ctx, accountID)
}

func (s *stubAPI) Profile(ctx context.Context) (pesc.Profile, error) {
	if s.profile != nil {
		return *s.profile, nil
	}
	return s.FakeClient.Profile(ctx)
}

func (s *stubAPI) Details(ctx context.Context, accountID int) ([]pesc.DetailBlock, error) {
	if s.detailsErr != nil {
		return nil, s.detailsErr
	}
	return s.FakeClient.Details(ctx, accountID)
}

func (s *stubAPI) Subservices(ctx context.Context, providerID int) ([]pesc.Subservice, error) {
	if s.subsErr != nil {
		return nil, s.subsErr
	}
	if s.subservices != nil {
		return s.subservices, nil
	}
	return s.FakeClient.Subservices(ctx, providerID)
}

func (s *stubAPI) UpdateValue(ctx context.Context, accountID int, meterID string, values []types.ScaleValue) error {
	s.mu.Lock()
	s.updated = values
	s.mu.Unlock()
	return s.FakeClient.UpdateValue(ctx, accountID, meterID, values)
}

func meter(registration string, subservice int, inds ...pesc.MeterIndication) pesc.Meter {
	return pesc.Meter{
		ID:           pesc.MeterID{Provider: 1, Registration: registration},
		Serial:       "S" + registration,
		SubserviceID: subservice,
		Indications:  inds,
	}
}

func indication(scale int, name string, value float64) pesc.MeterIndication {
	return pesc.MeterIndication{
		MeterScaleID:        scale,
		PreviousReading:     value,
		PreviousReadingDate: "10.02.2024",
		ScaleName:           name,
		Unit:                "м3",
	}
}

func account(id int, readingType string) pesc.Account {
	return pesc.Account{
		ID:          id,
		Alias:       "Квартира",
		ReadingType: readingType,
		Address:     pesc.AccountAddress{Value: "Невский пр."},
		Tenancy:     pesc.Tenancy{Register: "123", Name: pesc.TenancyName{Shorted: "ЛС"}},
		Service:     pesc.AccountService{ProviderID: 1},
	}
}

func TestFetchAllDemo(t *testing.T) {
	ctx := context.Background()
	a := New(pesc.NewFake())

	require.NoError(t, a.FetchAll(ctx))

	readings := a.Readings()
	// account 0 and 2 share meter 000000, account 1 has 111111
	require.Len(t, readings, 4)

	r := a.FindReading("000000_2")
	require.NotNil(t, r)
	assert.Equal(t, 2, r.Account.ID, "newest account should own the shared meter")
	assert.Equal(t, "День", r.Name)
	assert.Equal(t, 2000.0, r.Value)
	assert.Equal(t, time.Date(2023, 1, 23, 0, 0, 0, 0, time.UTC), r.Date)
	assert.Equal(t, "ЛС № 000/002", r.Account.Tenancy)
	assert.Equal(t, "ул Ленина, 2", r.Account.Address)
	assert.False(t, r.Auto())

	auto := a.FindReading("111111_3")
	require.NotNil(t, auto)
	assert.True(t, auto.Auto())

	assert.Nil(t, a.FindReading("nope_1"))

	sub, ok := a.Subservice(1)
	require.True(t, ok)
	assert.Equal(t, pesc.UtilityElectricity, sub.Utility)

	tr := a.Tariff(r)
	require.NotNil(t, tr)
	assert.Equal(t, "Двухтарифный", tr.Kind)
	rate := tr.Rate(ctx, r.Name, r.ScaleID)
	require.NotNil(t, rate)
	v, ok := rate.Value()
	require.True(t, ok)
	assert.Equal(t, 5.3, v)

	assert.Equal(t, "71234567890", a.ProfileID())
	assert.Equal(t, "Иванов Иван", a.ProfileName())

	require.NoError(t, a.FetchGroups(ctx))
	assert.Len(t, a.Groups(), 2)
}

func TestReadingsDedupe(t *testing.T) {
	ctx := context.Background()
	stub := &stubAPI{
		FakeClient: pesc.NewFake(),
		accounts:   []pesc.Account{account(10, "manual"), account(2, "manual")},
		meters: map[int][]pesc.Meter{
			10: {meter("M1", 1, indication(1, "Вода", 10))},
			2:  {meter("M1", 1, indication(1, "Вода", 20)), meter("M2", 1, indication(1, "Вода", 5))},
		},
	}
	a := New(stub)
	require.NoError(t, a.FetchData(ctx))

	var got []string
	for _, r := range a.Readings() {
		got = append(got, r.ID())
	}
	// "10_M1_1" < "2_M1_1" < "2_M2_1" so account 2 owns M1
	if diff := cmp.Diff([]string{"M1_1", "M2_1"}, got); diff != "" {
		t.Errorf("Readings() mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 2, a.FindReading("M1_1").Account.ID)
	assert.Equal(t, 20.0, a.FindReading("M1_1").Value)
}

func TestFetchDataErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("Details Client Error Ignored", func(t *testing.T) {
		stub := &stubAPI{FakeClient: pesc.NewFake(), detailsErr: &pesc.ClientError{Code: 404, Message: "page not found"}}
		a := New(stub)
		require.NoError(t, a.FetchData(ctx))
		assert.Len(t, a.Readings(), 4)
		assert.Nil(t, a.Tariff(a.Readings()[0]))
	})

	t.Run("Details Auth Error", func(t *testing.T) {
		stub := &stubAPI{FakeClient: pesc.NewFake(), detailsErr: &pesc.ClientError{Code: 5, Auth: true}}
		err := New(stub).FetchData(ctx)
		assert.True(t, pesc.IsAuth(err))
	})

	t.Run("Subservices Error Logged", func(t *testing.T) {
		stub := &stubAPI{FakeClient: pesc.NewFake(), subsErr: &pesc.ClientError{Code: 500, Message: "boom"}}
		a := New(stub)
		require.NoError(t, a.FetchData(ctx))
		assert.Len(t, a.Readings(), 4)
		_, ok := a.Subservice(1)
		assert.False(t, ok)
	})

	t.Run("Unused Subservices Dropped", func(t *testing.T) {
		stub := &stubAPI{FakeClient: pesc.NewFake(), subservices: []pesc.Subservice{{ID: 1, Name: "Электроэнергия"}, {ID: 99, Name: "Газ"}}}
		a := New(stub)
		require.NoError(t, a.FetchData(ctx))
		_, ok := a.Subservice(99)
		assert.False(t, ok)
		_, ok = a.Subservice(1)
		assert.True(t, ok)
	})

	t.Run("Meters Error Clears View", func(t *testing.T) {
		stub := &stubAPI{FakeClient: pesc.NewFake()}
		a := New(stub)
		require.NoError(t, a.FetchData(ctx))
		require.Len(t, a.Readings(), 4)

		stub.metersErr = errors.New("connection reset")
		assert.Error(t, a.FetchData(ctx))
		assert.Empty(t, a.Readings())
		assert.Nil(t, a.FindReading("000000_2"))
		_, ok := a.Subservice(1)
		assert.False(t, ok)
	})

	t.Run("Subservice Used By Another Account", func(t *testing.T) {
		acc1 := account(1, "manual")
		acc2 := account(2, "manual")
		stub := &stubAPI{
			FakeClient: pesc.NewFake(),
			accounts:   []pesc.Account{acc1, acc2},
			meters: map[int][]pesc.Meter{
				1: {meter("M1", 10, indication(1, "Холодная вода", 10))},
				2: {meter("M2", 20, indication(1, "Горячая вода", 20))},
			},
			subservices: []pesc.Subservice{{ID: 10, Name: "Холодное водоснабжение"}, {ID: 20, Name: "Горячее водоснабжение"}, {ID: 30, Name: "Газ"}},
		}
		a := New(stub)
		require.NoError(t, a.FetchData(ctx))
		for _, id := range []int{10, 20} {
			_, ok := a.Subservice(id)
			assert.True(t, ok, "subservice %d", id)
		}
		_, ok := a.Subservice(30)
		assert.False(t, ok)
	})
}

func TestUpdateValue(t *testing.T) {
	ctx := context.Background()
	stub := &stubAPI{FakeClient: pesc.NewFake()}
	a := New(stub)
	require.NoError(t, a.FetchData(ctx))

	r := a.FindReading("000000_2")
	require.NotNil(t, r)

	values, err := a.UpdateValue(ctx, r, []types.ScaleValue{{ScaleID: 2, Value: 2100}})
	require.NoError(t, err)
	want := []types.ScaleValue{{ScaleID: 2, Value: 2100}, {ScaleID: 3, Value: 1000}}
	assert.ElementsMatch(t, want, values)
	assert.ElementsMatch(t, want, stub.updated)

	require.NoError(t, a.FetchData(ctx))
	assert.Equal(t, 2100.0, a.FindReading("000000_2").Value)

	values, err = a.UpdateValue(ctx, r, []types.ScaleValue{{ScaleID: 2, Value: 2200}, {ScaleID: 3, Value: 1100}})
	require.NoError(t, err)
	assert.Len(t, values, 2)
}

func TestProfile(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		profile  pesc.Profile
		wantID   string
		wantName string
	}{
		{
			name:     "full name",
			profile:  pesc.Profile{Phone: "+79991234567", Email: "a@b.c", Name: pesc.ProfileName{Last: "Петров", First: "Пётр", Patronymic: "Петрович"}},
			wantID:   "79991234567",
			wantName: "Петров Пётр Петрович",
		},
		{
			name:     "email only",
			profile:  pesc.Profile{Email: "User@Example.com"},
			wantID:   "user_example_com",
			wantName: "User@Example.com",
		},
		{
			name:     "phone without plus",
			profile:  pesc.Profile{Phone: "8 999 123"},
			wantID:   "8_999_123",
			wantName: "8 999 123",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.profile
			a := New(&stubAPI{FakeClient: pesc.NewFake(), profile: &p})
			assert.Empty(t, a.ProfileID())
			assert.Empty(t, a.ProfileName())
			require.NoError(t, a.FetchProfile(ctx))
			assert.Equal(t, tt.wantID, a.ProfileID())
			assert.Equal(t, tt.wantName, a.ProfileName())
		})
	}
}
