package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "pricewatch/pkg/logx"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	st, err := Open(context.Background(), Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "pw.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": st,
	}
}

func ptr[T any](v T) *T { return &v }

func TestStoreContract(t *testing.T) {
	for name, st := range backends(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			uid, err := st.CreateUser(ctx, "buyer@example.com", 99)
			require.NoError(t, err)

			it, err := st.CreateItem(ctx, NewItem{URL: "https://shop.example/p/1", Name: "Kettle", TargetPrice: ptr(18.0), UserID: &uid})
			require.NoError(t, err)
			assert.True(t, it.Active)
			assert.Equal(t, "generic", it.Platform)
			assert.Nil(t, it.CurrentPrice)

			other, err := st.CreateItem(ctx, NewItem{URL: "https://shop.example/p/2", Name: "Toaster"})
			require.NoError(t, err)

			t.Run("record keeps current price equal to newest observation", func(t *testing.T) {
				base := time.Now().Add(-time.Hour)
				for i, p := range []float64{25, 22, 19.5} {
					_, err := st.RecordPrice(ctx, PriceRecord{ItemID: it.ID, Price: p, At: base.Add(time.Duration(i) * time.Minute)})
					require.NoError(t, err)
				}
				got, err := st.Item(ctx, it.ID)
				require.NoError(t, err)
				require.NotNil(t, got.CurrentPrice)
				assert.Equal(t, 19.5, *got.CurrentPrice)

				hist, err := st.Observations(ctx, it.ID, 10)
				require.NoError(t, err)
				require.Len(t, hist, 3)
				assert.Equal(t, 19.5, hist[0].Price)
			})

			t.Run("capture time is clamped to stay monotonic", func(t *testing.T) {
				hist, err := st.Observations(ctx, it.ID, 1)
				require.NoError(t, err)
				newest := hist[0].CapturedAt

				o, err := st.AppendObservation(ctx, it.ID, 17, newest.Add(-time.Hour))
				require.NoError(t, err)
				assert.False(t, o.CapturedAt.Before(newest))

				got, err := st.Item(ctx, it.ID)
				require.NoError(t, err)
				assert.Equal(t, 17.0, *got.CurrentPrice)
			})

			t.Run("metadata refresh is optional", func(t *testing.T) {
				_, err := st.RecordPrice(ctx, PriceRecord{ItemID: it.ID, Price: 16, ImageURL: ptr("https://img.example/k.jpg")})
				require.NoError(t, err)
				_, err = st.RecordPrice(ctx, PriceRecord{ItemID: it.ID, Price: 16})
				require.NoError(t, err)
				got, err := st.Item(ctx, it.ID)
				require.NoError(t, err)
				require.NotNil(t, got.ImageURL)
				assert.Equal(t, "https://img.example/k.jpg", *got.ImageURL)
			})

			t.Run("unknown item", func(t *testing.T) {
				_, err := st.Item(ctx, 4242)
				assert.ErrorIs(t, err, ErrNotFound)
				_, err = st.AppendObservation(ctx, 4242, 1, time.Now())
				assert.ErrorIs(t, err, ErrNotFound)
				assert.ErrorIs(t, st.DeactivateItem(ctx, 4242), ErrNotFound)
			})

			t.Run("recipient", func(t *testing.T) {
				r, err := st.Recipient(ctx, it.ID)
				require.NoError(t, err)
				assert.Equal(t, Recipient{Email: "buyer@example.com", TelegramChatID: 99}, r)

				_, err = st.Recipient(ctx, other.ID)
				assert.ErrorIs(t, err, ErrNoRecipient)
			})

			t.Run("update and deactivate", func(t *testing.T) {
				cur, err := st.Item(ctx, other.ID)
				require.NoError(t, err)
				cur.TargetPrice = ptr(30.0)
				require.NoError(t, st.UpdateItem(ctx, cur))

				got, err := st.Item(ctx, other.ID)
				require.NoError(t, err)
				assert.Equal(t, 30.0, *got.TargetPrice)

				require.NoError(t, st.DeactivateItem(ctx, other.ID))
				active, err := st.ActiveItems(ctx)
				require.NoError(t, err)
				require.Len(t, active, 1)
				assert.Equal(t, it.ID, active[0].ID)
			})
		})
	}
}

func TestChatOnlyOwners(t *testing.T) {
	for name, st := range backends(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			a, err := st.CreateUser(ctx, "", 111)
			require.NoError(t, err)
			b, err := st.CreateUser(ctx, "", 222)
			require.NoError(t, err)
			assert.NotEqual(t, a, b)

			again, err := st.CreateUser(ctx, "  ", 111)
			require.NoError(t, err)
			assert.Equal(t, a, again)

			withMail, err := st.CreateUser(ctx, "buyer@example.com", 111)
			require.NoError(t, err)
			assert.NotEqual(t, a, withMail)

			_, err = st.CreateUser(ctx, "", 0)
			assert.ErrorIs(t, err, ErrNoContact)

			itA, err := st.CreateItem(ctx, NewItem{URL: "https://shop.example/a", Name: "A", UserID: &a})
			require.NoError(t, err)
			itB, err := st.CreateItem(ctx, NewItem{URL: "https://shop.example/b", Name: "B", UserID: &b})
			require.NoError(t, err)

			r, err := st.Recipient(ctx, itA.ID)
			require.NoError(t, err)
			assert.Equal(t, Recipient{TelegramChatID: 111}, r)
			r, err = st.Recipient(ctx, itB.ID)
			require.NoError(t, err)
			assert.Equal(t, Recipient{TelegramChatID: 222}, r)
		})
	}
}

func TestActiveItemByURL(t *testing.T) {
	for name, st := range backends(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const url = "https://shop.example/p/9"

			_, err := st.ActiveItemByURL(ctx, url)
			assert.ErrorIs(t, err, ErrNotFound)

			first, err := st.CreateItem(ctx, NewItem{URL: url, Name: "Mixer"})
			require.NoError(t, err)
			got, err := st.ActiveItemByURL(ctx, url)
			require.NoError(t, err)
			assert.Equal(t, first.ID, got.ID)

			require.NoError(t, st.DeactivateItem(ctx, first.ID))
			_, err = st.ActiveItemByURL(ctx, url)
			assert.ErrorIs(t, err, ErrNotFound)

			second, err := st.CreateItem(ctx, NewItem{URL: url, Name: "Mixer"})
			require.NoError(t, err)
			got, err = st.ActiveItemByURL(ctx, url)
			require.NoError(t, err)
			assert.Equal(t, second.ID, got.ID)
		})
	}
}

func TestDeleteObservationsBefore(t *testing.T) {
	for name, st := range backends(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			it, err := st.CreateItem(ctx, NewItem{URL: "https://shop.example/p/9", Name: "Lamp"})
			require.NoError(t, err)

			now := time.Now()
			_, err = st.AppendObservation(ctx, it.ID, 40, now.Add(-31*24*time.Hour))
			require.NoError(t, err)
			_, err = st.AppendObservation(ctx, it.ID, 35, now.Add(-29*24*time.Hour))
			require.NoError(t, err)

			cutoff := now.Add(-30 * 24 * time.Hour)
			n, err := st.DeleteObservationsBefore(ctx, cutoff)
			require.NoError(t, err)
			assert.EqualValues(t, 1, n)

			n, err = st.DeleteObservationsBefore(ctx, cutoff)
			require.NoError(t, err)
			assert.EqualValues(t, 0, n)

			hist, err := st.Observations(ctx, it.ID, 10)
			require.NoError(t, err)
			require.Len(t, hist, 1)
			assert.Equal(t, 35.0, hist[0].Price)
		})
	}
}

func TestMemoryFailRecordPrice(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	it, err := m.CreateItem(ctx, NewItem{URL: "u", Name: "n"})
	require.NoError(t, err)

	boom := errors.New("disk full")
	m.FailRecordPrice(it.ID, boom)
	_, err = m.RecordPrice(ctx, PriceRecord{ItemID: it.ID, Price: 1})
	assert.ErrorIs(t, err, boom)

	got, err := m.Item(ctx, it.ID)
	require.NoError(t, err)
	assert.Nil(t, got.CurrentPrice)

	m.FailRecordPrice(it.ID, nil)
	_, err = m.RecordPrice(ctx, PriceRecord{ItemID: it.ID, Price: 1})
	assert.NoError(t, err)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "mongo"}, logx.Logger{})
	assert.Error(t, err)
}
