package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"brickkit/internal/backend"
	"brickkit/internal/domain"
)

// Default per-call timeouts.
const (
	DefaultSDKTimeout = 60 * time.Second
	DefaultSQLTimeout = 300 * time.Second
)

// Reader fetches observed state and normalizes it into StateRecords. Records
// are cached per resource key for the life of the run; a singleflight group
// guarantees at most one concurrent read per key. The reader never mutates
// backend state.
type Reader struct {
	client backend.CatalogClient
	sql    backend.SQLExecutor
	logger *slog.Logger

	sdkTimeout time.Duration
	sqlTimeout time.Duration
	maxRetries int
	limiter    *rate.Limiter

	mu    sync.RWMutex
	cache map[string]*StateRecord
	group singleflight.Group
}

// NewReader builds a reader over the two backends.
func NewReader(client backend.CatalogClient, sql backend.SQLExecutor, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{
		client:     client,
		sql:        sql,
		logger:     logger,
		sdkTimeout: DefaultSDKTimeout,
		sqlTimeout: DefaultSQLTimeout,
		maxRetries: 3,
		limiter:    rate.NewLimiter(rate.Limit(50), 100),
		cache:      map[string]*StateRecord{},
	}
}

func cacheKey(t domain.ResourceType, fqn string) string {
	return string(t) + "|" + fqn
}

// Read returns the observed state for a resource, from cache when available.
// Not-found yields a record with Exists=false and no error. Permission
// errors on secondary reads (tags, grants, SQL describes) yield a record
// with Partial=true alongside the error.
func (rd *Reader) Read(ctx context.Context, t domain.ResourceType, fqn string) (*StateRecord, error) {
	key := cacheKey(t, fqn)

	rd.mu.RLock()
	cached, ok := rd.cache[key]
	rd.mu.RUnlock()
	if ok {
		return cached, nil
	}

	v, err, _ := rd.group.Do(key, func() (any, error) {
		var record *StateRecord
		err := withRetry(ctx, rd.maxRetries, func(ctx context.Context) error {
			var fetchErr error
			record, fetchErr = rd.fetch(ctx, t, fqn)
			return fetchErr
		})
		if record != nil {
			rd.mu.Lock()
			rd.cache[key] = record
			rd.mu.Unlock()
		}
		return record, err
	})
	record, _ := v.(*StateRecord)
	return record, err
}

// Invalidate drops a cached record, forcing the next Read to hit the
// backend. Executors call this after every mutation.
func (rd *Reader) Invalidate(t domain.ResourceType, fqn string) {
	rd.mu.Lock()
	delete(rd.cache, cacheKey(t, fqn))
	rd.mu.Unlock()
}

// Reset drops the whole cache. Each reconciliation run starts fresh.
func (rd *Reader) Reset() {
	rd.mu.Lock()
	rd.cache = map[string]*StateRecord{}
	rd.mu.Unlock()
}

// ReadChildren lists observed children of a container for drift detection
// and unmanaged-resource discovery.
func (rd *Reader) ReadChildren(ctx context.Context, t domain.ResourceType, parentFQN string) ([]backend.ResourceInfo, error) {
	if err := rd.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, rd.sdkTimeout)
	defer cancel()
	return rd.client.ListResources(callCtx, t, parentFQN)
}

func (rd *Reader) fetch(ctx context.Context, t domain.ResourceType, fqn string) (*StateRecord, error) {
	info, err := sdkCall(rd, ctx, func(c context.Context) (*backend.ResourceInfo, error) {
		return rd.client.GetResource(c, t, fqn)
	})
	if err != nil {
		if backend.IsNotFound(err) {
			return &StateRecord{Exists: false, Type: t, FullName: fqn}, nil
		}
		return nil, err
	}

	record := &StateRecord{
		Exists:        true,
		Type:          t,
		Name:          info.Name,
		FullName:      info.FullName,
		Owner:         info.Owner,
		Comment:       info.Comment,
		Tags:          map[string]string{},
		Properties:    map[string]string{},
		Columns:       info.Columns,
		ColumnMasks:   map[string]string{},
		IsolationMode: info.IsolationMode,
	}
	for k, v := range info.Properties {
		record.Properties[k] = v
	}

	var firstErr error
	degrade := func(err error) {
		var pd *domain.PermissionDeniedError
		if backend.CodeOf(err) == backend.CodePermissionDenied || errors.As(err, &pd) {
			record.Partial = true
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		if firstErr == nil {
			firstErr = err
		}
	}

	tags, err := sdkCall(rd, ctx, func(c context.Context) ([]backend.TagRecord, error) {
		return rd.client.ListTags(c, t, fqn)
	})
	if err != nil {
		degrade(err)
	}
	for _, tg := range tags {
		record.Tags[tg.Key] = tg.Value
	}

	grants, err := sdkCall(rd, ctx, func(c context.Context) ([]backend.GrantRecord, error) {
		return rd.client.GetGrants(c, t, fqn)
	})
	if err != nil {
		degrade(err)
	}
	record.Grants = grants

	// Row filters, column masks, and extended properties are only visible
	// through SQL.
	if t == domain.TypeTable && rd.sql != nil {
		ext, err := rd.sqlDescribe(ctx, fqn)
		if err != nil && !backend.IsNotFound(err) {
			degrade(err)
		}
		if ext != nil {
			record.RowFilter = ext.RowFilter
			for col, fn := range ext.ColumnMasks {
				record.ColumnMasks[col] = fn
			}
		}
	}

	if t == domain.TypeSchema || t == domain.TypeCatalog {
		policies, err := sdkCall(rd, ctx, func(c context.Context) ([]backend.PolicyInfo, error) {
			return rd.client.ListPolicies(c, fqn)
		})
		if err != nil {
			degrade(err)
		}
		record.Policies = policies

		bindings, err := sdkCall(rd, ctx, func(c context.Context) ([]backend.BindingRecord, error) {
			return rd.client.GetWorkspaceBindings(c, t, fqn)
		})
		if err != nil {
			degrade(err)
		}
		record.Bindings = bindings
	}

	if record.Partial {
		rd.logger.Warn("partial state read", "resource", fqn, "error", firstErr)
		return record, firstErr
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return record, nil
}

func (rd *Reader) sqlDescribe(ctx context.Context, fqn string) (*backend.TableExtended, error) {
	if err := rd.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, rd.sqlTimeout)
	defer cancel()
	return rd.sql.DescribeTableExtended(callCtx, fqn)
}

// sdkCall bounds a control-plane call with the SDK timeout and the shared
// rate limiter.
func sdkCall[T any](rd *Reader, ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := rd.limiter.Wait(ctx); err != nil {
		return zero, err
	}
	callCtx, cancel := context.WithTimeout(ctx, rd.sdkTimeout)
	defer cancel()
	return fn(callCtx)
}
