package reconcile

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brickkit/internal/backend"
	"brickkit/internal/backend/memory"
	"brickkit/internal/domain"
)

// countingClient wraps the memory backend counting GetResource calls.
type countingClient struct {
	backend.CatalogClient
	gets atomic.Int64
}

func (c *countingClient) GetResource(ctx context.Context, t domain.ResourceType, fqn string) (*backend.ResourceInfo, error) {
	c.gets.Add(1)
	return c.CatalogClient.GetResource(ctx, t, fqn)
}

func TestReader_CachesPerResource(t *testing.T) {
	mem := memory.New()
	ctx := context.Background()
	_, err := mem.CreateResource(ctx, domain.TypeCatalog, domain.Params{"name": "c"})
	require.NoError(t, err)

	client := &countingClient{CatalogClient: mem}
	rd := NewReader(client, mem, nil)

	for i := 0; i < 5; i++ {
		record, err := rd.Read(ctx, domain.TypeCatalog, "c")
		require.NoError(t, err)
		assert.True(t, record.Exists)
	}
	assert.Equal(t, int64(1), client.gets.Load())

	rd.Invalidate(domain.TypeCatalog, "c")
	_, err = rd.Read(ctx, domain.TypeCatalog, "c")
	require.NoError(t, err)
	assert.Equal(t, int64(2), client.gets.Load())
}

func TestReader_NotFoundIsAbsenceNotError(t *testing.T) {
	mem := memory.New()
	rd := NewReader(mem, mem, nil)

	record, err := rd.Read(context.Background(), domain.TypeCatalog, "ghost")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.False(t, record.Exists)
}

func TestReader_ConcurrentReadsShareOneFetch(t *testing.T) {
	mem := memory.New()
	ctx := context.Background()
	_, err := mem.CreateResource(ctx, domain.TypeCatalog, domain.Params{"name": "c"})
	require.NoError(t, err)

	client := &countingClient{CatalogClient: mem}
	rd := NewReader(client, mem, nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = rd.Read(ctx, domain.TypeCatalog, "c")
		}()
	}
	wg.Wait()
	// Cache plus singleflight collapse concurrent reads; allow a small
	// number of fetches for goroutines that raced past the cache check.
	assert.LessOrEqual(t, client.gets.Load(), int64(2))
}

func TestReader_TableStateIncludesSQLFields(t *testing.T) {
	mem := memory.New()
	ctx := context.Background()
	_, err := mem.Execute(ctx, "CREATE TABLE c.s.t (id BIGINT)")
	require.NoError(t, err)
	_, err = mem.Execute(ctx, "ALTER TABLE c.s.t SET ROW FILTER c.s.f ON (id)")
	require.NoError(t, err)

	rd := NewReader(mem, mem, nil)
	record, err := rd.Read(ctx, domain.TypeTable, "c.s.t")
	require.NoError(t, err)
	assert.Equal(t, "c.s.f", record.RowFilter)
}
