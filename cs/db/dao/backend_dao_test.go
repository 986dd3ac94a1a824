package dao

import (
	"context"
	"testing"

	"clashstats/cs/common/config"
	"clashstats/cs/db/dbtest"
	"clashstats/cs/model"

	"github.com/stretchr/testify/require"
)

func activeIDs(t *testing.T, d *BackendDao) []int64 {
	t.Helper()
	list, err := d.List(context.Background())
	require.NoError(t, err)
	var ids []int64
	for _, b := range list {
		if b.IsActive {
			ids = append(ids, b.Id)
		}
	}
	return ids
}

func TestBackendSingleActive(t *testing.T) {
	ctx := context.Background()
	d := NewBackendDao(dbtest.Open(t).GormDataSource)

	a := &model.Backend{Name: "home", URL: "http://127.0.0.1:9090", Enabled: true, Listening: true}
	require.NoError(t, d.Create(ctx, a))
	require.True(t, a.IsActive, "first backend becomes active")

	b := &model.Backend{Name: "office", URL: "http://10.0.0.1:9090", Enabled: true, Listening: true}
	require.NoError(t, d.Create(ctx, b))
	require.Equal(t, []int64{a.Id}, activeIDs(t, d))

	require.NoError(t, d.SetActive(ctx, b.Id))
	require.Equal(t, []int64{b.Id}, activeIDs(t, d))

	act, err := d.Active(ctx)
	require.NoError(t, err)
	require.Equal(t, "office", act.Name)

	require.ErrorIs(t, d.SetActive(ctx, 999), ErrBackendNotFound)
	require.Equal(t, []int64{b.Id}, activeIDs(t, d))
}

func TestBackendCreateValidates(t *testing.T) {
	d := NewBackendDao(dbtest.Open(t).GormDataSource)
	require.ErrorIs(t, d.Create(context.Background(), &model.Backend{Name: " "}), ErrInvalidBackend)
}

func TestBackendUpdateAndListening(t *testing.T) {
	ctx := context.Background()
	d := NewBackendDao(dbtest.Open(t).GormDataSource)
	b := &model.Backend{Name: "home", URL: "http://a", Enabled: true, Listening: true}
	require.NoError(t, d.Create(ctx, b))

	url, token := "http://b", "secret"
	got, err := d.Update(ctx, b.Id, BackendPatch{URL: &url, Token: &token})
	require.NoError(t, err)
	require.Equal(t, "http://b", got.URL)
	require.Equal(t, "secret", got.Token)
	require.Equal(t, "home", got.Name)

	empty := ""
	_, err = d.Update(ctx, b.Id, BackendPatch{Name: &empty})
	require.ErrorIs(t, err, ErrInvalidBackend)

	require.NoError(t, d.SetListening(ctx, b.Id, false))
	list, err := d.Listening(ctx)
	require.NoError(t, err)
	require.Empty(t, list)

	require.NoError(t, d.SetListening(ctx, b.Id, true))
	snap, err := d.SnapshotListening(ctx)
	require.NoError(t, err)
	require.Contains(t, snap, b.Id)

	before := snap[b.Id].Fingerprint
	token = "rotated"
	_, err = d.Update(ctx, b.Id, BackendPatch{Token: &token})
	require.NoError(t, err)
	snap, err = d.SnapshotListening(ctx)
	require.NoError(t, err)
	require.NotEqual(t, before, snap[b.Id].Fingerprint)

	require.ErrorIs(t, d.SetListening(ctx, 404, true), ErrBackendNotFound)
}

func TestBackendDeletePromotesAndPurges(t *testing.T) {
	ctx := context.Background()
	g := dbtest.Open(t).GormDataSource
	d := NewBackendDao(g)
	s := NewStatsStore(g)

	a := &model.Backend{Name: "a", URL: "http://a", Enabled: true, Listening: true}
	b := &model.Backend{Name: "b", URL: "http://b", Enabled: true, Listening: true}
	require.NoError(t, d.Create(ctx, a))
	require.NoError(t, d.Create(ctx, b))
	require.NoError(t, s.InTx(ctx, a.Id, func(w Writer) error {
		return w.Upsert(model.DimDomain, "x.com", 1, 1, model.Aux{})
	}))

	require.NoError(t, d.Delete(ctx, a.Id))
	require.Equal(t, []int64{b.Id}, activeIDs(t, d))
	rows, err := s.QueryTop(ctx, model.DimDomain, a.Id, 10)
	require.NoError(t, err)
	require.Empty(t, rows)

	_, err = d.Get(ctx, a.Id)
	require.ErrorIs(t, err, ErrBackendNotFound)
}

func TestBackendSeedOnlyWhenEmpty(t *testing.T) {
	ctx := context.Background()
	d := NewBackendDao(dbtest.Open(t).GormDataSource)
	off := false
	seeds := []config.SeedBackend{
		{Name: "home", URL: "http://a"},
		{Name: "lab", URL: "http://b", Active: true, Listening: &off},
	}
	n, err := d.Seed(ctx, seeds)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	act, err := d.Active(ctx)
	require.NoError(t, err)
	require.Equal(t, "lab", act.Name)

	list, err := d.Listening(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "home", list[0].Name)

	n, err = d.Seed(ctx, seeds)
	require.NoError(t, err)
	require.Zero(t, n)
}
