package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/news-crawler/internal/store"
)

// ExampleRunHandler_ListDomains shows how to serve per-domain run counters.
func ExampleRunHandler_ListDomains() {
	runID := uuid.MustParse("00000000-0000-0000-0000-0000000000aa")
	repo := &fakeRunRepo{domains: []store.DomainStats{{
		Domain:     "news.test",
		Fetched:    4,
		LastUpdate: time.Unix(0, 0).UTC(),
	}}}
	srv := NewServer(Options{Runs: repo, Logger: zap.NewNop()})

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/"+runID.String()+"/domains?limit=1", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var payload struct {
		Domains []map[string]any `json:"domains"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		panic(err)
	}
	fmt.Printf("returned domains: %d\n", len(payload.Domains))
	// Output:
	// returned domains: 1
}
