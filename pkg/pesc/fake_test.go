package pesc

import (
	"context"
	"testing"
	"time"

	"github.com/pescbridge/pescbridge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsFakeLogin(t *testing.T) {
	assert.True(t, IsFakeLogin("test", "test"))
	assert.True(t, IsFakeLogin("test@example.com", "test"))
	assert.False(t, IsFakeLogin("test", "secret"))
	assert.False(t, IsFakeLogin("+79991234567", "test"))
}

func TestFakeClient(t *testing.T) {
	ctx := context.Background()
	f := NewFake()
	f.now = func() time.Time { return time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC) }

	assert.Equal(t, FakeToken, f.UserAuth().Auth)

	t.Run("Login", func(t *testing.T) {
		_, err := f.Login(ctx, "user", "pass", LoginTypePhone)
		assert.True(t, IsAuth(err))

		tx, err := f.Login(ctx, "test", "test", LoginTypePhone)
		require.NoError(t, err)
		tx, err = f.SendConfirmation(ctx, tx, ConfirmationSMS)
		require.NoError(t, err)
		assert.Equal(t, "phone", tx.ConfirmationType)
		auth, err := f.Verify(ctx, tx, "0000")
		require.NoError(t, err)
		assert.True(t, f.CanReauth(auth))
	})

	t.Run("Accounts", func(t *testing.T) {
		accounts, err := f.Accounts(ctx)
		require.NoError(t, err)
		require.Len(t, accounts, 3)
		assert.Equal(t, "ЕЛС", accounts[0].Tenancy.Name.Shorted)

		rt, err := f.ReadingType(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, ReadingTypeAuto, rt)

		groups, err := f.Groups(ctx)
		require.NoError(t, err)
		require.Len(t, groups, 2)
		assert.Equal(t, []int{0, 1}, groups[0].Accounts)
		assert.Equal(t, []int{2}, groups[1].Accounts)

		_, err = f.Address(ctx, 42)
		assert.Error(t, err)
	})

	t.Run("UpdateValue", func(t *testing.T) {
		err := f.UpdateValue(ctx, 2, "000000", []types.ScaleValue{{ScaleID: 2, Value: 2500}})
		require.NoError(t, err)

		meters, err := f.Meters(ctx, 2)
		require.NoError(t, err)
		require.Len(t, meters, 1)
		for _, ind := range meters[0].Indications {
			switch ind.MeterScaleID {
			case 2:
				assert.Equal(t, 2500.0, ind.PreviousReading)
				assert.Equal(t, "05.03.2024", ind.PreviousReadingDate)
			case 3:
				assert.Equal(t, 1000.0, ind.PreviousReading)
				assert.Equal(t, "23.01.2023", ind.PreviousReadingDate)
			}
		}

		err = f.UpdateValue(ctx, 2, "missing", nil)
		assert.Error(t, err)
	})
}
