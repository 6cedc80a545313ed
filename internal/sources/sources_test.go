package sources

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/news-crawler/internal/crawler"
)

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	off := false
	c, err := New([]Category{
		{
			Name:   "business",
			Target: 10,
			Sources: []Source{
				{URL: "https://www.example.com/business", Pagination: Pagination{Type: crawler.PaginationPath, Pages: 2}},
				{URL: "https://news.org/economy", Priority: 1, Pagination: Pagination{Type: crawler.PaginationQuery, Start: 1, Pages: 2}},
			},
			Excludes:    []string{"/tag/"},
			PathPattern: `^/\d{4}/`,
		},
		{
			Name:     "sport",
			Target:   5,
			Sources:  []Source{{URL: "https://example.com/sport"}},
			SameSite: &off,
		},
	})
	require.NoError(t, err)
	return c
}

func TestSeedsExpandPagination(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	seeds, err := testCatalog(t).Seeds(now)
	require.NoError(t, err)

	var urls []string
	for _, s := range seeds {
		urls = append(urls, s.URL)
		assert.Equal(t, crawler.KindListing, s.Kind)
		assert.Equal(t, now, s.EnqueuedAt)
	}
	assert.Equal(t, []string{
		"https://www.example.com/business",
		"https://www.example.com/business/page/2/",
		"https://www.example.com/business/page/3/",
		"https://news.org/economy",
		"https://news.org/economy?page=1",
		"https://news.org/economy?page=2",
		"https://example.com/sport",
	}, urls)
	assert.Less(t, seeds[0].Priority, seeds[1].Priority)
	assert.Equal(t, "https://news.org/economy", seeds[4].SourceURL)
}

func TestCatalogAccessors(t *testing.T) {
	t.Parallel()

	c := testCatalog(t)
	assert.Equal(t, []string{"business", "sport"}, c.Names())
	assert.Equal(t, map[string]int{"business": 10, "sport": 5}, c.Targets())
	assert.Equal(t, []string{"business", "sport"}, c.SiteCategories("www.example.com"))
	assert.Equal(t, []string{"business"}, c.SiteCategories("news.org"))
	assert.Empty(t, c.SiteCategories("other.net"))
}

func TestFilter(t *testing.T) {
	t.Parallel()

	c := testCatalog(t)
	f := c.Filter("business", "https://www.example.com/business")
	assert.True(t, f.Match("https://www.example.com/2024/05/rice"))
	assert.False(t, f.Match("https://www.example.com/tag/2024/"), "excluded")
	assert.False(t, f.Match("https://www.example.com/about"), "path pattern")
	assert.False(t, f.Match("https://elsewhere.com/2024/05/rice"), "same site")

	sport := c.Filter("sport", "https://example.com/sport")
	assert.True(t, sport.Match("https://elsewhere.com/any"))

	unknown := c.Filter("nope", "https://example.com/x")
	assert.Equal(t, "example.com", unknown.Domain)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cats []Category
	}{
		{"empty name", []Category{{Name: " "}}},
		{"duplicate", []Category{{Name: "a"}, {Name: "a"}}},
		{"negative target", []Category{{Name: "a", Target: -1}}},
		{"bad pattern", []Category{{Name: "a", PathPattern: "("}}},
		{"relative source", []Category{{Name: "a", Sources: []Source{{URL: "/news"}}}}},
		{"bad pagination", []Category{{Name: "a", Sources: []Source{{URL: "https://a.com", Pagination: Pagination{Type: "scroll"}}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tt.cats)
			require.Error(t, err)
		})
	}
}
