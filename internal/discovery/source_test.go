package discovery

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sliceLister struct {
	keys []string
	err  error
}

func (l *sliceLister) List(_ context.Context, startAfter string, limit int) ([]string, bool, error) {
	if l.err != nil {
		return nil, false, l.err
	}
	sort.Strings(l.keys)
	i := sort.SearchStrings(l.keys, startAfter)
	if i < len(l.keys) && l.keys[i] == startAfter {
		i++
	}
	end := i + limit
	if end >= len(l.keys) {
		return l.keys[i:], false, nil
	}
	return l.keys[i:end], true, nil
}

func TestListPending_FiltersAndPages(t *testing.T) {
	l := &sliceLister{keys: []string{
		"a.jpg", "b.PNG", "c.txt", "d/", "e.webp", "out/e.webp", "f.jpeg",
	}}
	src := NewSource(l, "out/")
	ctx := context.Background()

	page, err := src.ListPending(ctx, "", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.jpg", "b.PNG"}, page.Keys)
	assert.Equal(t, 3, page.Scanned)
	assert.Equal(t, "c.txt", page.Next)

	page, err = src.ListPending(ctx, page.Next, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"e.webp", "f.jpeg"}, page.Keys)
	assert.Equal(t, "f.jpeg", page.Next)

	// only converted output is left
	page, err = src.ListPending(ctx, page.Next, 3)
	require.NoError(t, err)
	assert.Empty(t, page.Keys)
	assert.Equal(t, 1, page.Scanned)
	assert.Empty(t, page.Next)
}

func TestListPending_Error(t *testing.T) {
	src := NewSource(&sliceLister{err: errors.New("AccessDenied")}, "")

	_, err := src.ListPending(context.Background(), "k", 10)
	assert.ErrorContains(t, err, "AccessDenied")
}
