// Package edgar fetches 13F-HR filings from SEC EDGAR. Requests are rate
// limited under the SEC fair access policy, retried with exponential
// backoff, and routed through a circuit breaker so a degraded EDGAR never
// hammers retries across the whole watchlist.
package edgar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const (
	defaultDataURL = "https://data.sec.gov"
	defaultWWWURL  = "https://www.sec.gov"
)

// FilingReference points at one 13F filing on EDGAR.
type FilingReference struct {
	CIK             string `json:"cik"`
	AccessionNumber string `json:"accession_number"`
	FilingDate      string `json:"filing_date"`
	ReportDate      string `json:"report_date"`
	PrimaryDoc      string `json:"primary_doc"`
	FormType        string `json:"form_type"`
}

// AccessionPath is the accession number formatted for archive URLs.
func (f FilingReference) AccessionPath() string {
	return strings.ReplaceAll(f.AccessionNumber, "-", "")
}

// RawCIK is the CIK without zero padding, as archive URLs want it.
func (f FilingReference) RawCIK() string {
	trimmed := strings.TrimLeft(f.CIK, "0")
	if trimmed == "" {
		return "0"
	}
	return trimmed
}

// QuarterEnd derives the calendar quarter end covered by the report date.
func (f FilingReference) QuarterEnd() (time.Time, error) {
	rd, err := time.Parse("2006-01-02", f.ReportDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid report date %q: %w", f.ReportDate, err)
	}
	switch {
	case rd.Month() <= 3:
		return time.Date(rd.Year(), 3, 31, 0, 0, 0, 0, time.UTC), nil
	case rd.Month() <= 6:
		return time.Date(rd.Year(), 6, 30, 0, 0, 0, 0, time.UTC), nil
	case rd.Month() <= 9:
		return time.Date(rd.Year(), 9, 30, 0, 0, 0, 0, time.UTC), nil
	default:
		return time.Date(rd.Year(), 12, 31, 0, 0, 0, 0, time.UTC), nil
	}
}

// Config controls the EDGAR client.
type Config struct {
	UserAgent    string
	RateLimitRPS float64
	MaxRetries   int

	// DataURL and WWWURL override the SEC endpoints, for tests.
	DataURL string
	WWWURL  string

	// OnRequest, when set, observes every request attempt with a coarse
	// endpoint class ("submissions" or "archives") and its outcome
	// ("success" or "error"). Feeds the request counter metric.
	OnRequest func(endpoint, outcome string)
}

// Client is the rate-limited EDGAR HTTP client.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	userAgent  string
	maxRetries int
	dataURL    string
	wwwURL     string
	onRequest  func(endpoint, outcome string)
}

// NewClient creates an EDGAR client. The user agent must identify the
// operator per SEC policy.
func NewClient(cfg Config) (*Client, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("edgar: user agent is required")
	}
	rps := cfg.RateLimitRPS
	if rps <= 0 {
		rps = 5.0
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 4
	}
	dataURL := cfg.DataURL
	if dataURL == "" {
		dataURL = defaultDataURL
	}
	wwwURL := cfg.WWWURL
	if wwwURL == "" {
		wwwURL = defaultWWWURL
	}

	st := gobreaker.Settings{Name: "edgar"}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 5
	}

	return &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		breaker:    gobreaker.NewCircuitBreaker(st),
		userAgent:  cfg.UserAgent,
		maxRetries: retries,
		dataURL:    dataURL,
		wwwURL:     wwwURL,
		onRequest:  cfg.OnRequest,
	}, nil
}

// get performs a rate-limited, retried GET through the circuit breaker.
func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt)) * time.Second
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		body, err := c.breaker.Execute(func() (interface{}, error) {
			return c.doGet(ctx, url)
		})
		if err == nil {
			c.record(url, "success")
			return body.([]byte), nil
		}
		c.record(url, "error")
		lastErr = err
		if err == gobreaker.ErrOpenState || ctx.Err() != nil {
			break
		}
		log.Warn().Str("url", url).Int("attempt", attempt+1).Err(err).Msg("EDGAR request failed, retrying")
	}
	return nil, fmt.Errorf("edgar GET %s: %w", url, lastErr)
}

// record reports one request attempt to the configured observer.
func (c *Client) record(url, outcome string) {
	if c.onRequest == nil {
		return
	}
	endpoint := "archives"
	if strings.Contains(url, "/submissions/") {
		endpoint = "submissions"
	}
	c.onRequest(endpoint, outcome)
}

func (c *Client) doGet(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept-Encoding", "gzip, deflate")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// submissions mirrors the slice-parallel layout of EDGAR's submissions JSON.
type submissions struct {
	Name    string `json:"name"`
	Filings struct {
		Recent struct {
			Form            []string `json:"form"`
			FilingDate      []string `json:"filingDate"`
			AccessionNumber []string `json:"accessionNumber"`
			PrimaryDocument []string `json:"primaryDocument"`
			ReportDate      []string `json:"reportDate"`
		} `json:"recent"`
	} `json:"filings"`
}

// LookupEntity validates a CIK and returns its registered name.
func (c *Client) LookupEntity(ctx context.Context, cik string) (string, error) {
	sub, err := c.getSubmissions(ctx, cik)
	if err != nil {
		return "", err
	}
	name := strings.TrimSpace(sub.Name)
	if name == "" {
		return "", fmt.Errorf("edgar: no entity registered for CIK %s", cik)
	}
	return name, nil
}

func (c *Client) getSubmissions(ctx context.Context, cik string) (*submissions, error) {
	url := fmt.Sprintf("%s/submissions/CIK%s.json", c.dataURL, padCIK(cik))
	body, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}
	var sub submissions
	if err := json.Unmarshal(body, &sub); err != nil {
		return nil, fmt.Errorf("failed to parse submissions JSON: %w", err)
	}
	return &sub, nil
}

// Find13FFilings returns the most recent 13F-HR filings for a CIK, newest
// first, one per quarter. Amendments (13F-HR/A) override the original
// filing for the same quarter.
func (c *Client) Find13FFilings(ctx context.Context, cik string, nQuarters int) ([]FilingReference, error) {
	sub, err := c.getSubmissions(ctx, cik)
	if err != nil {
		return nil, err
	}
	recent := sub.Filings.Recent

	byQuarter := make(map[string]FilingReference)
	for i, form := range recent.Form {
		if form != "13F-HR" && form != "13F-HR/A" {
			continue
		}
		if i >= len(recent.ReportDate) || recent.ReportDate[i] == "" {
			continue
		}
		ref := FilingReference{
			CIK:             padCIK(cik),
			AccessionNumber: at(recent.AccessionNumber, i),
			FilingDate:      at(recent.FilingDate, i),
			ReportDate:      recent.ReportDate[i],
			PrimaryDoc:      at(recent.PrimaryDocument, i),
			FormType:        form,
		}
		quarterKey := ref.ReportDate[:7]
		if prev, ok := byQuarter[quarterKey]; !ok || (form == "13F-HR/A" && prev.FormType == "13F-HR") {
			byQuarter[quarterKey] = ref
		}
	}

	filings := make([]FilingReference, 0, len(byQuarter))
	for _, ref := range byQuarter {
		filings = append(filings, ref)
	}
	sort.Slice(filings, func(i, j int) bool { return filings[i].ReportDate > filings[j].ReportDate })
	if nQuarters > 0 && len(filings) > nQuarters {
		filings = filings[:nQuarters]
	}

	if len(filings) == 0 {
		log.Warn().Str("cik", cik).Str("entity", sub.Name).Msg("no 13F filings found")
	}
	return filings, nil
}

var xmlLinkRe = regexp.MustCompile(`href="[^"]*?/([^/"]+\.xml)"`)

// FetchInfoTable retrieves the raw 13F information table XML for a filing.
// The primary document often points at the rendered HTML view, so the
// filing index is scraped for the actual info table document first.
func (c *Client) FetchInfoTable(ctx context.Context, filing FilingReference) ([]byte, error) {
	baseURL := fmt.Sprintf("%s/Archives/edgar/data/%s/%s", c.wwwURL, filing.RawCIK(), filing.AccessionPath())
	indexURL := fmt.Sprintf("%s/%s-index.htm", baseURL, filing.AccessionNumber)

	var xmlDoc string
	if indexHTML, err := c.get(ctx, indexURL); err == nil {
		xmlDoc = pickInfoTableDoc(string(indexHTML))
	} else {
		log.Warn().Str("accession", filing.AccessionNumber).Err(err).Msg("could not fetch filing index")
	}

	if xmlDoc == "" {
		// Fallback: the primary document, stripped of any rendered-view
		// path prefix.
		xmlDoc = filing.PrimaryDoc
		if idx := strings.LastIndex(xmlDoc, "/"); idx >= 0 {
			xmlDoc = xmlDoc[idx+1:]
		}
		if xmlDoc == "" {
			return nil, fmt.Errorf("edgar: no info table document for %s", filing.AccessionNumber)
		}
	}

	return c.get(ctx, fmt.Sprintf("%s/%s", baseURL, xmlDoc))
}

// pickInfoTableDoc chooses the info table XML from filing index HTML.
func pickInfoTableDoc(indexHTML string) string {
	matches := xmlLinkRe.FindAllStringSubmatch(indexHTML, -1)
	seen := make(map[string]bool)
	var files []string
	for _, m := range matches {
		name := m[1]
		key := strings.ToLower(name)
		if !seen[key] {
			seen[key] = true
			files = append(files, name)
		}
	}

	for _, f := range files {
		fl := strings.ToLower(f)
		if strings.Contains(fl, "infotable") || strings.Contains(fl, "information") {
			return f
		}
	}
	for _, f := range files {
		if strings.ToLower(f) != "primary_doc.xml" {
			return f
		}
	}
	return ""
}

func padCIK(cik string) string {
	for len(cik) < 10 {
		cik = "0" + cik
	}
	return cik
}

func at(s []string, i int) string {
	if i < len(s) {
		return s[i]
	}
	return ""
}
