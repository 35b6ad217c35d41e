package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"intelvault/core"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// backends returns a fresh instance of every Persistence implementation.
func backends(t *testing.T) map[string]Persistence {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	dir := t.TempDir()

	sqlite, err := NewSQLitePersistence(filepath.Join(dir, "intel.db"), logger)
	require.NoError(t, err)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	redis := NewRedisPersistence(mr.Addr(), "", 0, 10, "test", logger)
	require.NoError(t, redis.Ping(context.Background()))

	badger, err := NewBadgerPersistence("", logger)
	require.NoError(t, err)

	bolt, err := NewBoltPersistence(filepath.Join(dir, "intel.bolt"), logger)
	require.NoError(t, err)

	all := map[string]Persistence{
		"memory": NewMemoryPersistence(),
		"sqlite": sqlite,
		"redis":  redis,
		"badger": badger,
		"bbolt":  bolt,
	}
	t.Cleanup(func() {
		for _, p := range all {
			_ = p.Close()
		}
	})
	return all
}

func TestPersistence_Contract(t *testing.T) {
	for name, p := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			assert.Equal(t, name, p.Name())

			for i := 0; i < 6; i++ {
				tenant := "T1"
				if i%2 == 1 {
					tenant = "T2"
				}
				id := fmt.Sprintf("id-%d", i)
				require.NoError(t, p.Put(ctx, core.KindIndicator, tenant, id, []byte(fmt.Sprintf("v%d", i))))
			}
			// a different kind with the same id space stays separate
			require.NoError(t, p.Put(ctx, core.KindCampaign, "T1", "id-0", []byte("campaign")))

			data, err := p.Get(ctx, core.KindIndicator, "id-0")
			require.NoError(t, err)
			assert.Equal(t, []byte("v0"), data)

			_, err = p.Get(ctx, core.KindIndicator, "missing")
			assert.ErrorIs(t, err, ErrRecordNotFound)

			// update keeps first-insertion order
			require.NoError(t, p.Put(ctx, core.KindIndicator, "T1", "id-0", []byte("v0b")))

			rows, err := p.Query(ctx, core.KindIndicator, "T1", core.Pagination{})
			require.NoError(t, err)
			require.Len(t, rows, 3)
			assert.Equal(t, "id-0", rows[0].ID)
			assert.Equal(t, []byte("v0b"), rows[0].Data)
			assert.Equal(t, "id-2", rows[1].ID)
			assert.Equal(t, "id-4", rows[2].ID)
			for _, r := range rows {
				assert.Equal(t, "T1", r.TenantID)
			}

			rows, err = p.Query(ctx, core.KindIndicator, "", core.Pagination{Offset: 2, Limit: 3})
			require.NoError(t, err)
			require.Len(t, rows, 3)
			assert.Equal(t, []string{"id-2", "id-3", "id-4"}, []string{rows[0].ID, rows[1].ID, rows[2].ID})

			require.NoError(t, p.Delete(ctx, core.KindIndicator, "id-2"))
			require.NoError(t, p.Delete(ctx, core.KindIndicator, "id-2"), "deleting twice is not an error")
			_, err = p.Get(ctx, core.KindIndicator, "id-2")
			assert.ErrorIs(t, err, ErrRecordNotFound)

			rows, err = p.Query(ctx, core.KindIndicator, "T1", core.Pagination{})
			require.NoError(t, err)
			assert.Len(t, rows, 2)

			data, err = p.Get(ctx, core.KindCampaign, "id-0")
			require.NoError(t, err)
			assert.Equal(t, []byte("campaign"), data)
		})
	}
}

func TestPersistence_EntityStoreRoundTrip(t *testing.T) {
	codecs := map[string]Codec{"json": JSONCodec{}, "msgpack": MsgpackCodec{}}
	for name, p := range backends(t) {
		for codecName, codec := range codecs {
			t.Run(name+"/"+codecName, func(t *testing.T) {
				ctx := context.Background()
				writer := New(func() *core.ThreatActor { return new(core.ThreatActor) },
					WithPersistence(p), WithCodec(codec))
				created, err := writer.Create(ctx, "T-"+codecName, &core.ThreatActor{
					Name:        "Fancy Bear",
					Aliases:     []string{"APT28"},
					Type:        core.ActorNationState,
					Motivations: []string{"espionage"},
					Confidence:  0.8,
				})
				require.NoError(t, err)

				reader := New(func() *core.ThreatActor { return new(core.ThreatActor) },
					WithPersistence(p), WithCodec(codec))
				_, err = reader.Load(ctx)
				require.NoError(t, err)

				got, err := reader.Get(ctx, created.ID)
				require.NoError(t, err)
				assert.Equal(t, created.Name, got.Name)
				assert.Equal(t, created.Aliases, got.Aliases)
				assert.Equal(t, created.TenantID, got.TenantID)
				assert.True(t, created.FirstObserved.Equal(got.FirstObserved))
			})
		}
	}
}

func TestCodecByName(t *testing.T) {
	c, err := CodecByName("msgpack")
	require.NoError(t, err)
	assert.Equal(t, "msgpack", c.Name())

	c, err = CodecByName("")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Name())

	_, err = CodecByName("xml")
	assert.Error(t, err)
}

func TestValidateDatabasePath(t *testing.T) {
	assert.NoError(t, validateDatabasePath(":memory:"))
	assert.NoError(t, validateDatabasePath("data/intel.db"))
	assert.Error(t, validateDatabasePath("../etc/intel.db"))
	assert.Error(t, validateDatabasePath(""))
	assert.Error(t, validateDatabasePath("intel\x00.db"))
}
