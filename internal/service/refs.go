// refs.go — кэш id справочных сущностей каталога (Facility, DatasetType,
// Instrument, ParameterType, …), на которые ссылаются новые сущности.
package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// IDLookup ищет id единственной сущности по значениям полей.
type IDLookup interface {
	LookupID(ctx context.Context, sessionID, entity string, equals map[string]any) (int64, error)
}

// RefCache — LRU-кэш id справочных сущностей с TTL.
// Кэшируются только найденные сущности.
type RefCache struct {
	lookup IDLookup
	cache  *expirable.LRU[string, int64]
}

// NewRefCache создаёт кэш справочных сущностей.
func NewRefCache(lookup IDLookup, size int, ttl time.Duration) *RefCache {
	if size <= 0 {
		size = 1024
	}
	return &RefCache{
		lookup: lookup,
		cache:  expirable.NewLRU[string, int64](size, nil, ttl),
	}
}

// ID возвращает id сущности entity с полями equals.
func (r *RefCache) ID(ctx context.Context, sessionID, entity string, equals map[string]any) (int64, error) {
	key := refCacheKey(entity, equals)
	if id, ok := r.cache.Get(key); ok {
		return id, nil
	}
	id, err := r.lookup.LookupID(ctx, sessionID, entity, equals)
	if err != nil {
		return 0, err
	}
	r.cache.Add(key, id)
	return id, nil
}

func refCacheKey(entity string, equals map[string]any) string {
	parts := make([]string, 0, len(equals))
	for k, v := range equals {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	sort.Strings(parts)
	return entity + "?" + strings.Join(parts, "&")
}
