package store

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/chrissnell/insituqc/internal/climatology"
	"github.com/chrissnell/insituqc/pkg/config"
)

var key = Key{Platform: "61280", Variable: "sea_water_temperature"}

func sampleArtifact(id string) *climatology.Artifact {
	var p climatology.Profile
	for m := 0; m < climatology.Months; m++ {
		p.Mean[m] = []float64{14 + float64(m)/2, 13.5}
		p.Std[m] = []float64{0.4, 0.3}
	}
	// no data in December at the second level
	p.Mean[11][1] = math.NaN()
	p.Std[11][1] = math.NaN()
	p.Trend = []climatology.Trend{{Slope: 1e-9, Intercept: -1.5}, {}}

	grid := climatology.Grid{Min: -1, Max: 1, Step: 0.5}
	return &climatology.Artifact{
		ID:        id,
		Variable:  key.Variable,
		Depths:    []float64{1, 10},
		Profile:   p,
		Density:   climatology.Density{Grid: grid, Values: [][]float64{{0.1, 0.5, 0.9, 0.2}, nil}},
		StartYear: 2015,
		MeanYear:  2018,
		EndYear:   2021,
		CreatedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func assertSameArtifact(t *testing.T, want, got *climatology.Artifact) {
	t.Helper()
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.Variable, got.Variable)
	assert.Equal(t, want.Depths, got.Depths)
	assert.Equal(t, []int{want.StartYear, want.MeanYear, want.EndYear}, []int{got.StartYear, got.MeanYear, got.EndYear})
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt), "created at %v, want %v", got.CreatedAt, want.CreatedAt)
	assert.Equal(t, want.Profile.Trend, got.Profile.Trend)
	assert.Equal(t, want.Profile.Mean[0], got.Profile.Mean[0])
	assert.True(t, math.IsNaN(got.Profile.Mean[11][1]))
	assert.Equal(t, want.Density.Grid, got.Density.Grid)
	assert.Equal(t, want.Density.Values[0], got.Density.Values[0])
	assert.Nil(t, got.Density.Values[1])
	require.NoError(t, got.Validate(2))
}

func backends(t *testing.T) map[string]ClimatologyStore {
	dir := t.TempDir()
	fileStore, err := NewFileStore(filepath.Join(dir, "climatology"), nil)
	require.NoError(t, err)
	sqliteStore, err := NewSQLiteStore(filepath.Join(dir, "climatology.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { sqliteStore.Close() })

	return map[string]ClimatologyStore{
		"file":   fileStore,
		"sqlite": sqliteStore,
		"memory": NewMemoryStore(),
	}
}

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := st.Load(ctx, key)
			assert.ErrorIs(t, err, ErrNotFound)

			want := sampleArtifact("first")
			require.NoError(t, st.Save(ctx, key, want))
			got, err := st.Load(ctx, key)
			require.NoError(t, err)
			assertSameArtifact(t, want, got)

			// saving again replaces the artifact
			second := sampleArtifact("second")
			require.NoError(t, st.Save(ctx, key, second))
			got, err = st.Load(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, "second", got.ID)

			other := Key{Platform: key.Platform, Variable: "sea_water_practical_salinity"}
			_, err = st.Load(ctx, other)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestSaveInvalidKey(t *testing.T) {
	tests := []struct {
		name string
		key  Key
	}{
		{name: "empty platform", key: Key{Variable: "sea_water_temperature"}},
		{name: "empty variable", key: Key{Platform: "61280"}},
		{name: "path separator", key: Key{Platform: "../etc", Variable: "passwd"}},
		{name: "backslash", key: Key{Platform: `a\b`, Variable: "v"}},
		{name: "parent directory", key: Key{Platform: "..", Variable: "v"}},
	}
	for name, st := range backends(t) {
		for _, tt := range tests {
			t.Run(name+"/"+tt.name, func(t *testing.T) {
				assert.Error(t, st.Save(context.Background(), tt.key, sampleArtifact("x")))
			})
		}
	}
}

func TestNewKey(t *testing.T) {
	tests := []struct {
		name     string
		platform string
		want     Key
	}{
		{name: "plain", platform: "61280", want: Key{Platform: "61280", Variable: "sea_water_temperature"}},
		{name: "separators", platform: `PT/01\a b`, want: Key{Platform: "PT_01_a_b", Variable: "sea_water_temperature"}},
		{name: "parent directory", platform: "..", want: Key{Platform: "_..", Variable: "sea_water_temperature"}},
		{name: "dots inside", platform: "A..B", want: Key{Platform: "A..B", Variable: "sea_water_temperature"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := NewKey(tt.platform, "sea_water_temperature")
			assert.Equal(t, tt.want, k)
			assert.NoError(t, k.Validate())
		})
	}
}

func TestConcurrentSave(t *testing.T) {
	const workers, saves = 8, 20
	ctx := context.Background()
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var g errgroup.Group
			for w := 0; w < workers; w++ {
				g.Go(func() error {
					own := Key{Platform: fmt.Sprintf("P%d", w), Variable: key.Variable}
					for i := 0; i < saves; i++ {
						if err := st.Save(ctx, own, sampleArtifact(own.Platform)); err != nil {
							return err
						}
						if err := st.Save(ctx, key, sampleArtifact("shared")); err != nil {
							return err
						}
					}
					return nil
				})
			}
			require.NoError(t, g.Wait())

			for w := 0; w < workers; w++ {
				got, err := st.Load(ctx, Key{Platform: fmt.Sprintf("P%d", w), Variable: key.Variable})
				require.NoError(t, err)
				assertSameArtifact(t, sampleArtifact(fmt.Sprintf("P%d", w)), got)
			}
			got, err := st.Load(ctx, key)
			require.NoError(t, err)
			assertSameArtifact(t, sampleArtifact("shared"), got)
		})
	}
}

func TestFileStoreLayout(t *testing.T) {
	dir := t.TempDir()
	st, err := NewFileStore(dir, nil)
	require.NoError(t, err)
	require.NoError(t, st.Save(context.Background(), key, sampleArtifact("a")))

	_, err = os.Stat(filepath.Join(dir, "61280", "sea_water_temperature.msgpack"))
	assert.NoError(t, err)
	entries, err := os.ReadDir(filepath.Join(dir, "61280"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file left behind")
}

func TestFileStoreCorrupt(t *testing.T) {
	dir := t.TempDir()
	st, err := NewFileStore(dir, nil)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, key.Platform), 0o755))
	require.NoError(t, os.WriteFile(st.path(key), []byte("not msgpack"), 0o644))

	_, err = st.Load(context.Background(), key)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestMissingField(t *testing.T) {
	a := sampleArtifact("a")
	r, err := newRecord(a)
	require.NoError(t, err)
	delete(r.Fields, climatology.FieldName(a.Variable, climatology.FieldFilteredDensity))

	_, err = r.artifact()
	assert.ErrorIs(t, err, climatology.ErrMissingField)
}

func TestNew(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		cfg     config.StoreData
		wantErr bool
	}{
		{name: "file", cfg: config.StoreData{Backend: "file", Path: filepath.Join(dir, "files")}},
		{name: "sqlite", cfg: config.StoreData{Backend: "sqlite", Path: filepath.Join(dir, "store.db")}},
		{name: "memory", cfg: config.StoreData{Backend: "memory"}},
		{name: "file without path", cfg: config.StoreData{Backend: "file"}, wantErr: true},
		{name: "unknown backend", cfg: config.StoreData{Backend: "netcdf"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := New(tt.cfg, nil)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NoError(t, st.Close())
		})
	}
}

func TestPostgresRoundTrip(t *testing.T) {
	dsn := os.Getenv("INSITUQC_TEST_POSTGRES")
	if dsn == "" {
		t.Skip("INSITUQC_TEST_POSTGRES not set")
	}
	st, err := NewPostgresStore(dsn, nil)
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	k := Key{Platform: "test-" + time.Now().Format("20060102150405"), Variable: key.Variable}
	want := sampleArtifact("pg")
	require.NoError(t, st.Save(ctx, k, want))
	got, err := st.Load(ctx, k)
	require.NoError(t, err)
	assertSameArtifact(t, want, got)
}
