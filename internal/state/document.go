package state

import "time"

// Document is the persisted state file.
type Document struct {
	CrawlerInfo   CrawlerInfo                  `json:"crawlerInfo"`
	Categories    map[string]*CategoryProgress `json:"categories"`
	Domains       map[string]*DomainStats      `json:"domains"`
	CompletedURLs map[string]URLRecord         `json:"completedURLs"`
	FailedURLs    map[string]URLRecord         `json:"failedURLs"`
	SkippedURLs   map[string]SkipRecord        `json:"skippedURLs,omitempty"`
	Stats         Stats                        `json:"stats"`
}

// requiredKeys must all be present for a state file to load.
var requiredKeys = []string{"crawlerInfo", "categories", "domains", "completedURLs", "failedURLs", "stats"}

// CrawlerInfo describes the run that owns the file.
type CrawlerInfo struct {
	StartTime   time.Time `json:"startTime"`
	LastUpdated time.Time `json:"lastUpdated"`
	// TotalRuntime is seconds between StartTime and LastUpdated.
	TotalRuntime float64 `json:"totalRuntime"`
	Version      string  `json:"version,omitempty"`
	RunID        string  `json:"runID,omitempty"`
}

// CategoryProgress tracks one category. ProcessedCount always equals
// SuccessCount + FailureCount; listings and skips are counted separately.
type CategoryProgress struct {
	TargetCount     int                     `json:"targetCount"`
	ProcessedCount  int                     `json:"processedCount"`
	SuccessCount    int                     `json:"successCount"`
	FailureCount    int                     `json:"failureCount"`
	SkippedCount    int                     `json:"skippedCount"`
	ListingCount    int                     `json:"listingCount"`
	Sources         map[string]*SourceStats `json:"sources"`
	LastProcessedAt *time.Time              `json:"lastProcessedAt,omitempty"`
}

// SourceStats counts outcomes per source domain within a category.
type SourceStats struct {
	Count        int `json:"count"`
	SuccessCount int `json:"successCount"`
	FailureCount int `json:"failureCount"`
}

// DomainStats accumulates timing for one domain. Times are seconds.
type DomainStats struct {
	FirstSeen    time.Time `json:"firstSeen"`
	LastAccessed time.Time `json:"lastAccessed"`
	SuccessCount int       `json:"successCount"`
	FailureCount int       `json:"failureCount"`
	TotalTime    float64   `json:"totalTime"`
	AverageTime  float64   `json:"averageTime"`
}

// URLRecord is a completed or failed URL.
type URLRecord struct {
	Category  string    `json:"category"`
	Domain    string    `json:"domain"`
	Timestamp time.Time `json:"timestamp"`
	SourceURL string    `json:"sourceURL,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// SkipRecord is a URL that was fetched but deliberately not kept.
type SkipRecord struct {
	Category    string    `json:"category"`
	Domain      string    `json:"domain"`
	Timestamp   time.Time `json:"timestamp"`
	SourceURL   string    `json:"sourceURL,omitempty"`
	Reason      string    `json:"reason"`
	DuplicateOf string    `json:"duplicateOf,omitempty"`
	Score       float64   `json:"score,omitempty"`
}

// Stats are run-wide counters.
type Stats struct {
	URLsProcessed     int                          `json:"urlsProcessed"`
	URLsSucceeded     int                          `json:"urlsSucceeded"`
	URLsFailed        int                          `json:"urlsFailed"`
	URLsSkipped       int                          `json:"urlsSkipped"`
	ListingsProcessed int                          `json:"listingsProcessed"`
	ByCategory        map[string]*CategoryCounters `json:"byCategory"`
}

// CategoryCounters mirrors the run-wide counters per category.
type CategoryCounters struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

func newDocument(start time.Time, version string) *Document {
	return &Document{
		CrawlerInfo: CrawlerInfo{
			StartTime:   start,
			LastUpdated: start,
			Version:     version,
		},
		Categories:    make(map[string]*CategoryProgress),
		Domains:       make(map[string]*DomainStats),
		CompletedURLs: make(map[string]URLRecord),
		FailedURLs:    make(map[string]URLRecord),
		SkippedURLs:   make(map[string]SkipRecord),
		Stats:         Stats{ByCategory: make(map[string]*CategoryCounters)},
	}
}

// fill replaces nil maps left by decoding sparse files.
func (d *Document) fill() {
	if d.Categories == nil {
		d.Categories = make(map[string]*CategoryProgress)
	}
	for name, c := range d.Categories {
		if c == nil {
			c = &CategoryProgress{}
			d.Categories[name] = c
		}
		if c.Sources == nil {
			c.Sources = make(map[string]*SourceStats)
		}
		for src, ss := range c.Sources {
			if ss == nil {
				c.Sources[src] = &SourceStats{}
			}
		}
	}
	if d.Domains == nil {
		d.Domains = make(map[string]*DomainStats)
	}
	for name, ds := range d.Domains {
		if ds == nil {
			d.Domains[name] = &DomainStats{}
		}
	}
	if d.CompletedURLs == nil {
		d.CompletedURLs = make(map[string]URLRecord)
	}
	if d.FailedURLs == nil {
		d.FailedURLs = make(map[string]URLRecord)
	}
	if d.SkippedURLs == nil {
		d.SkippedURLs = make(map[string]SkipRecord)
	}
	if d.Stats.ByCategory == nil {
		d.Stats.ByCategory = make(map[string]*CategoryCounters)
	}
	for name, cc := range d.Stats.ByCategory {
		if cc == nil {
			d.Stats.ByCategory[name] = &CategoryCounters{}
		}
	}
}
