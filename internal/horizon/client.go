package horizon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/stellar/go/amount"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/risktier/internal/clock"
	"github.com/mbd888/risktier/internal/logging"
	"github.com/mbd888/risktier/internal/metrics"
	"github.com/mbd888/risktier/internal/retry"
	"github.com/mbd888/risktier/internal/traces"
	"github.com/mbd888/risktier/internal/validation"
)

const (
	DefaultPageSize   = 200
	DefaultMaxRecords = 1000
	DefaultWindowDays = 30

	maxErrorBody = 4 << 10
)

// Client talks to a Horizon instance. It holds no per-address state and is
// safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	pageSize   int
	maxRecords int
	clock      clock.Clock
	logger     *slog.Logger
	retry      retry.Policy
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithPageSize sets the records requested per page (Horizon caps at 200).
func WithPageSize(n int) Option {
	return func(c *Client) {
		if n > 0 && n <= DefaultPageSize {
			c.pageSize = n
		}
	}
}

// WithMaxRecords sets the per-feed safety cap.
func WithMaxRecords(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxRecords = n
		}
	}
}

// WithClock sets the time source for window boundaries.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithRetryPolicy sets per-request retry bounds. Retryable is always
// replaced by IsTransient.
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Client) { c.retry = p }
}

// NewClient creates a client for the Horizon instance at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    trimSlash(baseURL),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		pageSize:   DefaultPageSize,
		maxRecords: DefaultMaxRecords,
		clock:      clock.Real{},
		logger:     logging.Discard(),
		retry:      retry.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.retry.Retryable = IsTransient
	return c
}

// FetchWindow returns payments and transactions for address created within
// the last windowDays, newest first. Page failures and the record cap end
// ingestion early with Truncated set; only an invalid address or a
// cancelled context return an error.
func (c *Client) FetchWindow(ctx context.Context, address string, windowDays int) (*Window, error) {
	addr, kind, err := validation.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}

	w := &Window{
		Address: addr,
		Days:    windowDays,
		Since:   c.clock.Now().Add(-time.Duration(windowDays) * 24 * time.Hour),
	}
	if kind == validation.KindContract {
		// Contracts have no classic payment history on Horizon.
		return w, nil
	}

	ctx, span := traces.StartSpan(ctx, "horizon.FetchWindow", traces.Address(addr))
	defer span.End()

	var payTrunc, txTrunc bool
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		raw, truncated, err := fetchFeed[paymentJSON](gctx, c, addr, "payments", w.Since)
		for _, p := range raw {
			w.Payments = append(w.Payments, p.toRecord())
		}
		payTrunc = truncated
		return err
	})
	g.Go(func() error {
		raw, truncated, err := fetchFeed[transactionJSON](gctx, c, addr, "transactions", w.Since)
		for _, t := range raw {
			w.Transactions = append(w.Transactions, t.toTransaction())
		}
		txTrunc = truncated
		return err
	})
	if err := g.Wait(); err != nil {
		traces.Fail(span, err)
		return nil, err
	}

	w.Truncated = payTrunc || txTrunc
	if w.Truncated {
		logging.L(ctx, c.logger).Warn("ledger history truncated",
			"address", addr,
			"payments", len(w.Payments),
			"transactions", len(w.Transactions))
	}
	return w, nil
}

// LoadAccount returns the account's current sequence number.
func (c *Client) LoadAccount(ctx context.Context, address string) (*Account, error) {
	addr, kind, err := validation.ParseAddress(address)
	if err != nil {
		return nil, err
	}
	if kind != validation.KindAccount {
		return nil, fmt.Errorf("%w: %s is not an account", validation.ErrInvalidAddress, addr)
	}

	var body struct {
		ID       string `json:"id"`
		Sequence string `json:"sequence"`
	}
	err = c.getJSON(ctx, "accounts", c.baseURL+"/accounts/"+addr, &body)
	var he *HTTPError
	if errors.As(err, &he) && he.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, addr)
	}
	if err != nil {
		return nil, err
	}

	seq, err := strconv.ParseInt(body.Sequence, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("horizon: bad sequence %q for %s: %w", body.Sequence, addr, err)
	}
	return &Account{ID: body.ID, Sequence: seq}, nil
}

// Ping fetches the Horizon root document.
func (c *Client) Ping(ctx context.Context) error {
	var root map[string]any
	return c.doGet(ctx, c.baseURL+"/", &root)
}

// feedItem is a raw record from a descending Horizon feed.
type feedItem interface {
	created() time.Time
	token() string
}

type page[T feedItem] struct {
	Embedded struct {
		Records []T `json:"records"`
	} `json:"_embedded"`
	Links struct {
		Next struct {
			Href string `json:"href"`
		} `json:"next"`
	} `json:"_links"`
}

// fetchFeed walks one feed newest-first until a record predates since, the
// feed is exhausted, the cap is hit, or a page fails.
func fetchFeed[T feedItem](ctx context.Context, c *Client, addr, resource string, since time.Time) ([]T, bool, error) {
	var items []T
	cursor := ""
	seen := make(map[string]bool)

	for {
		var p page[T]
		if err := c.getJSON(ctx, resource, c.feedURL(addr, resource, cursor), &p); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return items, true, ctxErr
			}
			var he *HTTPError
			if errors.As(err, &he) && he.StatusCode == http.StatusNotFound && cursor == "" {
				// Unfunded account: nothing to ingest.
				return nil, false, nil
			}
			metrics.IngestionTruncatedTotal.WithLabelValues("error").Inc()
			logging.L(ctx, c.logger).Warn("ledger page failed, keeping partial history",
				"resource", resource, "address", addr, "records", len(items), "error", err)
			return items, true, nil
		}

		records := p.Embedded.Records
		metrics.LedgerRecordsTotal.WithLabelValues(resource).Add(float64(len(records)))
		for _, r := range records {
			if r.created().Before(since) {
				return items, false, nil
			}
			if len(items) >= c.maxRecords {
				metrics.IngestionTruncatedTotal.WithLabelValues("cap").Inc()
				return items, true, nil
			}
			items = append(items, r)
		}
		if len(records) < c.pageSize {
			return items, false, nil
		}

		next := cursorFromHref(p.Links.Next.Href)
		if next == "" {
			next = records[len(records)-1].token()
		}
		if next == "" || seen[next] {
			return items, false, nil
		}
		seen[next] = true
		cursor = next
	}
}

func (c *Client) feedURL(addr, resource, cursor string) string {
	q := url.Values{}
	q.Set("order", "desc")
	q.Set("limit", strconv.Itoa(c.pageSize))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	return c.baseURL + "/accounts/" + addr + "/" + resource + "?" + q.Encode()
}

// cursorFromHref extracts the opaque cursor from a _links.next.href value.
func cursorFromHref(href string) string {
	if href == "" {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return u.Query().Get("cursor")
}

func (c *Client) getJSON(ctx context.Context, resource, u string, v any) error {
	return retry.Do(ctx, c.retry, func(ctx context.Context) error {
		err := c.doGet(ctx, u, v)
		metrics.LedgerRequestsTotal.WithLabelValues(resource, resultLabel(err)).Inc()
		if err != nil && !IsTransient(err) {
			return retry.Permanent(err)
		}
		return err
	})
}

func (c *Client) doGet(ctx context.Context, u string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("horizon: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("horizon: GET %s: %w", u, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		he := &HTTPError{StatusCode: resp.StatusCode, URL: u}
		var problem struct {
			Title  string `json:"title"`
			Detail string `json:"detail"`
		}
		if body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody)); json.Unmarshal(body, &problem) == nil {
			he.Detail = problem.Title
		}
		return he
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("horizon: decode %s: %w", u, err)
	}
	return nil
}

// IsTransient reports whether err is worth retrying: 5xx/429 responses,
// network errors and truncated bodies.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Transient()
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var he *HTTPError
	if errors.As(err, &he) {
		switch {
		case he.StatusCode == http.StatusNotFound:
			return "not_found"
		case he.StatusCode >= 500:
			return "http_5xx"
		default:
			return "http_4xx"
		}
	}
	return "error"
}

// Raw Horizon JSON shapes.

type paymentJSON struct {
	ID                    string    `json:"id"`
	PagingToken           string    `json:"paging_token"`
	Type                  string    `json:"type"`
	TransactionHash       string    `json:"transaction_hash"`
	TransactionSuccessful *bool     `json:"transaction_successful"`
	CreatedAt             time.Time `json:"created_at"`
	SourceAccount         string    `json:"source_account"`

	From      string `json:"from"`
	To        string `json:"to"`
	Amount    string `json:"amount"`
	AssetType string `json:"asset_type"`
	AssetCode string `json:"asset_code"`

	// create_account
	Funder          string `json:"funder"`
	Account         string `json:"account"`
	StartingBalance string `json:"starting_balance"`

	// account_merge
	Into string `json:"into"`
}

func (p paymentJSON) created() time.Time { return p.CreatedAt }
func (p paymentJSON) token() string      { return p.PagingToken }

func (p paymentJSON) toRecord() Record {
	r := Record{
		ID:          p.ID,
		PagingToken: p.PagingToken,
		Type:        p.Type,
		TxHash:      p.TransactionHash,
		CreatedAt:   p.CreatedAt,
		Successful:  p.TransactionSuccessful == nil || *p.TransactionSuccessful,
	}

	switch p.Type {
	case "create_account":
		r.From, r.To = p.Funder, p.Account
		r.AssetID, r.Native = NativeAsset, true
		r.Amount = parseAmount(p.StartingBalance)
	case "account_merge":
		r.From, r.To = p.Account, p.Into
		r.AssetID, r.Native = NativeAsset, true
	default:
		r.From, r.To = p.From, p.To
		if r.From == "" {
			r.From = p.SourceAccount
		}
		r.AssetID, r.Native = assetID(p.AssetType, p.AssetCode)
		r.Amount = parseAmount(p.Amount)
	}
	return r
}

type transactionJSON struct {
	ID             string      `json:"id"`
	PagingToken    string      `json:"paging_token"`
	Hash           string      `json:"hash"`
	CreatedAt      time.Time   `json:"created_at"`
	SourceAccount  string      `json:"source_account"`
	Successful     bool        `json:"successful"`
	OperationCount int         `json:"operation_count"`
	FeeCharged     json.Number `json:"fee_charged"`
}

func (t transactionJSON) created() time.Time { return t.CreatedAt }
func (t transactionJSON) token() string      { return t.PagingToken }

func (t transactionJSON) toTransaction() Transaction {
	fee, _ := t.FeeCharged.Int64()
	return Transaction{
		ID:             t.ID,
		Hash:           t.Hash,
		CreatedAt:      t.CreatedAt,
		SourceAccount:  t.SourceAccount,
		Successful:     t.Successful,
		OperationCount: t.OperationCount,
		FeeCharged:     fee,
	}
}

// parseAmount converts a 7-decimal Horizon amount string to float. Bad or
// empty values count as zero.
func parseAmount(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := amount.ParseInt64(s)
	if err != nil {
		return 0
	}
	return float64(v) / float64(amount.One)
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
