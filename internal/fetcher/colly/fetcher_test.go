package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/news-crawler/internal/crawler"
)

func TestNavigateFetchesPage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Trace") != "yes" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body>hello</body></html>"))
	}))
	defer srv.Close()

	b := New(Config{UserAgent: "test-agent", Headers: http.Header{"X-Trace": {"yes"}}})
	h, err := b.Open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = h.Close() }()

	for range 2 {
		page, err := h.Navigate(context.Background(), srv.URL+"/a")
		if err != nil {
			t.Fatalf("navigate: %v", err)
		}
		if page.StatusCode != http.StatusOK || string(page.Body) != "<html><body>hello</body></html>" {
			t.Fatalf("unexpected page: %+v", page)
		}
		if page.URL != srv.URL+"/a" || page.FinalURL != srv.URL+"/a" {
			t.Fatalf("unexpected urls: %s %s", page.URL, page.FinalURL)
		}
	}
	if err := h.Reset(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}
}

func TestNavigateReportsHTTPErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h, err := New(Config{}).Open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := h.Navigate(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error for 503")
	}
}

func TestNavigateHonorsContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	h, err := New(Config{Timeout: time.Second}).Open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = h.Navigate(ctx, srv.URL)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestOpenRejectsCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(Config{}).Open(ctx); err == nil {
		t.Fatal("expected error")
	}
}

func TestConfigureHooks(t *testing.T) {
	t.Parallel()

	s := &Session{cfg: Config{Headers: http.Header{"X-Trace": {"yes"}}}}
	var result crawler.Page
	var fetchErr error

	hooks := &stubHooks{}
	s.configureHooks(hooks, "https://example.com", time.Unix(0, 0), &result, &fetchErr)
	if hooks.onRequest == nil || hooks.onResponse == nil || hooks.onError == nil {
		t.Fatal("expected hooks to be registered")
	}

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	if collyReq.Headers.Get("X-Trace") != "yes" {
		t.Fatalf("expected header propagation, got %+v", collyReq.Headers)
	}

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request: &colly.Request{
			URL: mustParseURL(t, "https://example.com/final"),
		},
	})
	if result.StatusCode != http.StatusCreated || string(result.Body) != "body" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.FinalURL != "https://example.com/final" || result.Headers.Get("X-Resp") != "ok" {
		t.Fatalf("unexpected result: %+v", result)
	}

	hooks.onError(nil, errors.New("boom"))
	if fetchErr == nil || fetchErr.Error() != "boom" {
		t.Fatalf("expected fetchErr set, got %v", fetchErr)
	}
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse url %q: %v", raw, err)
	}
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
