package discovery

import (
	"context"
	"fmt"
	"path"
	"strings"
)

// Lister pages through a bucket in key order.
type Lister interface {
	List(ctx context.Context, startAfter string, limit int) (keys []string, more bool, err error)
}

// Page is one slice of the listing. Scanned counts every key the store
// returned, Keys only the convertible ones. Next is empty at the end.
type Page struct {
	Keys    []string
	Scanned int
	Next    string
}

var imageExtensions = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".gif":  {},
	".webp": {},
}

type Source struct {
	lister        Lister
	excludePrefix string
}

// NewSource lists through l. Keys under excludePrefix are never returned, so
// converted output written back to the source bucket is not picked up again.
func NewSource(l Lister, excludePrefix string) *Source {
	return &Source{lister: l, excludePrefix: excludePrefix}
}

func (s *Source) ListPending(ctx context.Context, cursor string, limit int) (Page, error) {
	keys, more, err := s.lister.List(ctx, cursor, limit)
	if err != nil {
		return Page{}, fmt.Errorf("discovery after %q: %w", cursor, err)
	}

	page := Page{Scanned: len(keys), Keys: make([]string, 0, len(keys))}
	for _, k := range keys {
		if s.convertible(k) {
			page.Keys = append(page.Keys, k)
		}
	}
	if more && len(keys) > 0 {
		page.Next = keys[len(keys)-1]
	}
	return page, nil
}

func (s *Source) convertible(key string) bool {
	if strings.HasSuffix(key, "/") {
		return false
	}
	if s.excludePrefix != "" && strings.HasPrefix(key, s.excludePrefix) {
		return false
	}
	_, ok := imageExtensions[strings.ToLower(path.Ext(key))]
	return ok
}
