// Package feeds polls external intelligence feeds on a schedule and hands the
// indicators they publish to the intelligence service.
package feeds

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"intelvault/core"
)

var (
	// ErrUnsupportedFormat is returned for feed formats the poller cannot parse.
	ErrUnsupportedFormat = errors.New("unsupported feed format")
	// ErrUnsupportedAuth is returned for authentication types the poller cannot perform.
	ErrUnsupportedAuth = errors.New("unsupported feed authentication")
	// ErrCredentialNotFound is returned when a feed's credential reference resolves to nothing.
	ErrCredentialNotFound = errors.New("feed credential not found")
)

// maxFeedBytes bounds how much of a feed response is read.
const maxFeedBytes = 32 << 20

// Poller fetches the indicators a feed currently publishes. since is the
// feed's last successful update, if any.
type Poller interface {
	Poll(ctx context.Context, feed *core.IntelligenceFeed, since *time.Time) ([]*core.Indicator, error)
}

// CredentialResolver turns a feed's credential reference into a secret.
type CredentialResolver func(ref string) (string, error)

// EnvCredentials resolves a credential reference as the name of an environment variable.
func EnvCredentials(ref string) (string, error) {
	v, ok := os.LookupEnv(ref)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s", ErrCredentialNotFound, ref)
	}
	return v, nil
}

// HTTPPoller polls feeds over HTTP(S). It understands JSON arrays of
// indicators, CSV with a header row, and plain text with one value per line.
type HTTPPoller struct {
	client      *http.Client
	credentials CredentialResolver
}

// NewHTTPPoller creates a poller. A nil client gets a 60 second timeout; a
// nil resolver reads credentials from the environment.
func NewHTTPPoller(client *http.Client, credentials CredentialResolver) *HTTPPoller {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if credentials == nil {
		credentials = EnvCredentials
	}
	return &HTTPPoller{client: client, credentials: credentials}
}

// Poll implements Poller.
func (p *HTTPPoller) Poll(ctx context.Context, feed *core.IntelligenceFeed, since *time.Time) ([]*core.Indicator, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.SourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build feed request: %w", err)
	}
	req.Header.Set("User-Agent", "intelvault-feed-poller/1.0")
	if since != nil {
		req.Header.Set("If-Modified-Since", since.UTC().Format(http.TimeFormat))
	}
	if err := p.authenticate(req, feed.Authentication); err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed %s: %w", feed.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("feed %s returned status %d", feed.Name, resp.StatusCode)
	}
	body := io.LimitReader(resp.Body, maxFeedBytes)

	switch feed.Format {
	case core.FormatJSON:
		return parseJSON(body)
	case core.FormatCSV:
		return parseCSV(ctx, body)
	case core.FormatText:
		return parseText(ctx, body)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, feed.Format)
	}
}

func (p *HTTPPoller) authenticate(req *http.Request, auth core.Authentication) error {
	if auth.Type == "" || auth.Type == core.AuthNone {
		return nil
	}
	secret, err := p.credentials(auth.CredentialRef)
	if err != nil {
		return err
	}
	switch auth.Type {
	case core.AuthAPIKey:
		req.Header.Set("X-API-Key", secret)
	case core.AuthOAuth2:
		req.Header.Set("Authorization", "Bearer "+secret)
	case core.AuthBasic:
		user, pass, ok := strings.Cut(secret, ":")
		if !ok {
			return fmt.Errorf("%w: basic credential must be user:password", ErrUnsupportedAuth)
		}
		req.SetBasicAuth(user, pass)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedAuth, auth.Type)
	}
	return nil
}

func parseJSON(r io.Reader) ([]*core.Indicator, error) {
	var inds []*core.Indicator
	if err := json.NewDecoder(r).Decode(&inds); err != nil {
		return nil, fmt.Errorf("failed to parse JSON feed: %w", err)
	}
	return inds, nil
}

// parseCSV reads a CSV feed whose header names the columns. type and value are
// required; severity, confidence, description and tags (semicolon separated)
// are optional. Malformed rows are skipped.
func parseCSV(ctx context.Context, r io.Reader) ([]*core.Indicator, error) {
	reader := csv.NewReader(newCommentFilter(r, '#'))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	if _, ok := cols["value"]; !ok {
		return nil, fmt.Errorf("CSV feed has no value column")
	}
	get := func(rec []string, name string) string {
		if i, ok := cols[name]; ok && i < len(rec) {
			return strings.TrimSpace(rec[i])
		}
		return ""
	}

	var inds []*core.Indicator
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue
		}
		value := get(rec, "value")
		if value == "" {
			continue
		}
		ind := &core.Indicator{
			Type:        core.IndicatorType(get(rec, "type")),
			Value:       value,
			Severity:    core.Severity(strings.ToLower(get(rec, "severity"))),
			Description: get(rec, "description"),
		}
		if ind.Type == "" {
			ind.Type = DetectType(value)
		}
		if c := get(rec, "confidence"); c != "" {
			if f, err := strconv.ParseFloat(c, 64); err == nil {
				ind.Confidence = f
			}
		}
		if tags := get(rec, "tags"); tags != "" {
			ind.Tags = strings.Split(tags, ";")
		}
		inds = append(inds, ind)
	}
	return inds, nil
}

// parseText reads one indicator value per line; the type is detected from the value.
func parseText(ctx context.Context, r io.Reader) ([]*core.Indicator, error) {
	scanner := bufio.NewScanner(newCommentFilter(r, '#'))
	var inds []*core.Indicator
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		value := strings.TrimSpace(scanner.Text())
		if value == "" {
			continue
		}
		inds = append(inds, &core.Indicator{Type: DetectType(value), Value: value})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read text feed: %w", err)
	}
	return inds, nil
}

// detectOrder is tried in order; the first type whose validation accepts the
// value wins.
var detectOrder = []core.IndicatorType{
	core.IndicatorIP,
	core.IndicatorURL,
	core.IndicatorEmail,
	core.IndicatorFileHash,
	core.IndicatorDomain,
}

// DetectType guesses an indicator type from its value, falling back to custom.
func DetectType(value string) core.IndicatorType {
	for _, t := range detectOrder {
		if core.ValidateIndicatorValue(t, value) == nil {
			return t
		}
	}
	return core.IndicatorCustom
}

// commentFilter drops empty lines and lines starting with a comment character.
type commentFilter struct {
	scanner *bufio.Scanner
	comment byte
	buf     []byte
}

func newCommentFilter(r io.Reader, comment byte) *commentFilter {
	return &commentFilter{scanner: bufio.NewScanner(r), comment: comment}
}

func (c *commentFilter) Read(p []byte) (int, error) {
	for len(c.buf) == 0 {
		if !c.scanner.Scan() {
			if err := c.scanner.Err(); err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
		line := strings.TrimSpace(c.scanner.Text())
		if line == "" || line[0] == c.comment {
			continue
		}
		c.buf = append([]byte(line), '\n')
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}
