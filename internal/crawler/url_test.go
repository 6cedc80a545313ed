package crawler

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercase host", "HTTPS://Example.COM/Path", "https://example.com/Path"},
		{"default https port", "https://example.com:443/a", "https://example.com/a"},
		{"default http port", "http://example.com:80/a", "http://example.com/a"},
		{"fragment", "https://example.com/a#top", "https://example.com/a"},
		{"sorted query", "https://example.com/a?b=2&a=1", "https://example.com/a?a=1&b=2"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeURL(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := NormalizeURL("/relative/path")
	require.Error(t, err)
}

func TestDomainOf(t *testing.T) {
	t.Parallel()

	got, err := DomainOf("https://WWW.Example.com:8443/x")
	require.NoError(t, err)
	assert.Equal(t, "example.com", got)

	_, err = DomainOf("not a url")
	require.Error(t, err)
}

func TestResolveLinks(t *testing.T) {
	t.Parallel()

	got := ResolveLinks("https://news.example.com/politics/", []string{
		"/article/1",
		"article/2#comments",
		"https://news.example.com/article/1",
		"mailto:desk@example.com",
		"#top",
		"",
	})
	assert.Equal(t, []string{
		"https://news.example.com/article/1",
		"https://news.example.com/politics/article/2",
	}, got)
}

func TestURLFilter(t *testing.T) {
	t.Parallel()

	f := URLFilter{
		Domain:      "example.com",
		Contains:    []string{"/article/"},
		Excludes:    []string{"/video/"},
		PathPattern: regexp.MustCompile(`/\d+$`),
	}
	got := f.Apply([]string{
		"https://example.com/article/12",
		"https://other.org/article/12",
		"https://example.com/article/video/12",
		"https://example.com/article/slug",
		"",
	})
	assert.Equal(t, []string{"https://example.com/article/12"}, got)
}

func TestPaginationURL(t *testing.T) {
	t.Parallel()

	got, err := PaginationURL("https://x.com/news?cat=1", 3, PaginationQuery)
	require.NoError(t, err)
	assert.Equal(t, "https://x.com/news?cat=1&page=3", got)

	got, err = PaginationURL("https://x.com/news/", 2, PaginationPath)
	require.NoError(t, err)
	assert.Equal(t, "https://x.com/news/page/2/", got)

	got, err = PaginationURL("https://x.com/news", 4, PaginationNumeric)
	require.NoError(t, err)
	assert.Equal(t, "https://x.com/news/4", got)

	_, err = PaginationURL("https://x.com", 1, "bogus")
	require.Error(t, err)
}
