// Package fetch implements the Fetcher port (spec.md §6) over an IPFS
// content-addressable back end, plus the fetch scheduler (§4.3a) that
// decides which identities are worth retrieving.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/cenkalti/backoff"

	"github.com/trustmesh/trustmesh/internal/metrics"
	"github.com/trustmesh/trustmesh/internal/wotstore/errs"
)

// Fetcher retrieves the byte stream published at requestURI, at or
// above the requested edition. The core never interprets the payload;
// it only hands it to the parser.
type Fetcher interface {
	Fetch(ctx context.Context, requestURI string, edition int64) (payload []byte, actualEdition int64, err error)
}

// IPFSFetcher implements Fetcher against an IPFS HTTP API (Kubo/go-ipfs
// compatible gateway). requestURI is interpreted as a bare CID; the
// edition argument is not used to locate content and is surfaced back
// unchanged, since IPFS content is immutable per-CID (edition
// progression is expressed by publishing a new CID for a new edition,
// which the caller learns out of band via edition-hints).
type IPFSFetcher struct {
	gatewayURL string
	httpClient *http.Client
	retries    uint64
}

// NewIPFSFetcher builds an IPFSFetcher against gatewayURL.
func NewIPFSFetcher(gatewayURL string, httpClient *http.Client, retries uint64) *IPFSFetcher {
	return &IPFSFetcher{
		gatewayURL: strings.TrimSuffix(gatewayURL, "/"),
		httpClient: httpClient,
		retries:    retries,
	}
}

var _ Fetcher = (*IPFSFetcher)(nil)

func (f *IPFSFetcher) Fetch(ctx context.Context, requestURI string, edition int64) ([]byte, int64, error) {
	if f.httpClient == nil {
		return nil, 0, errs.NewTransientIO("fetch", fmt.Errorf("IPFS client not configured"))
	}
	if !IsValidCID(requestURI) {
		return nil, 0, errs.NewValidation("request-uri", "not a well-formed CID")
	}

	var data []byte
	op := func() error {
		reqURL := f.gatewayURL + "/api/v0/cat?arg=" + url.QueryEscape(requestURI)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := f.httpClient.Do(req)
		if err != nil {
			metrics.FetchAttemptsTotal.WithLabelValues("transient_error").Inc()
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			metrics.FetchAttemptsTotal.WithLabelValues("http_error").Inc()
			return fmt.Errorf("ipfs cat: status %d: %s", resp.StatusCode, string(body))
		}
		data, err = io.ReadAll(resp.Body)
		return err
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), f.retries)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, 0, errs.NewTransientIO("fetch", err)
	}
	metrics.FetchAttemptsTotal.WithLabelValues("success").Inc()
	return data, edition, nil
}

// Pin publishes data to IPFS and returns its CID. No code path in this
// module calls it.
func (f *IPFSFetcher) Pin(ctx context.Context, data []byte) (string, error) {
	if f.httpClient == nil {
		return "", errs.NewTransientIO("pin", fmt.Errorf("IPFS client not configured"))
	}
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", "data")
	if err != nil {
		return "", errs.NewInternal("fetch", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", errs.NewInternal("fetch", err)
	}
	if err := writer.Close(); err != nil {
		return "", errs.NewInternal("fetch", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.gatewayURL+"/api/v0/add", &buf)
	if err != nil {
		return "", errs.NewInternal("fetch", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", errs.NewTransientIO("pin", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", errs.NewTransientIO("pin", fmt.Errorf("status %d: %s", resp.StatusCode, string(body)))
	}

	var addResp struct {
		Hash string `json:"Hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&addResp); err != nil {
		return "", errs.NewInternal("fetch", err)
	}
	if addResp.Hash == "" {
		return "", errs.NewInternal("fetch", fmt.Errorf("IPFS returned empty CID"))
	}
	return addResp.Hash, nil
}

// IsAvailable reports whether the IPFS gateway is configured and
// reachable.
func (f *IPFSFetcher) IsAvailable() bool {
	if f.httpClient == nil || f.gatewayURL == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.httpClient.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.gatewayURL+"/api/v0/id", nil)
	if err != nil {
		return false
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

var (
	cidV0Regex = regexp.MustCompile(`^Qm[1-9A-HJ-NP-Za-km-z]{44}$`)
	cidV1Regex = regexp.MustCompile(`^b[a-z2-7]{58,}$`)
)

// IsValidCID validates a CID string for both CIDv0 and CIDv1.
func IsValidCID(cid string) bool {
	if cid == "" {
		return false
	}
	if strings.HasPrefix(cid, "Qm") {
		return cidV0Regex.MatchString(cid)
	}
	if strings.HasPrefix(cid, "b") {
		return cidV1Regex.MatchString(cid)
	}
	return false
}

// NoOpFetcher always fails; used when no network back end is
// configured.
type NoOpFetcher struct{}

func (NoOpFetcher) Fetch(ctx context.Context, requestURI string, edition int64) ([]byte, int64, error) {
	return nil, 0, errs.NewTransientIO("fetch", fmt.Errorf("no fetcher configured"))
}

// ImportEnqueuer is the sink the scheduler hands successfully fetched
// payloads to; internal/importqueue.Queue implements it.
type ImportEnqueuer interface {
	Enqueue(identityID string, edition int64, payload []byte)
}

// Scheduler implements the fetch scheduler (spec.md §4.3a): it walks
// every known identity, and for each one with a positive score under
// some owner, asks the Fetcher for the next edition above
// max(current edition, edition-hint).
type Scheduler struct {
	fetcher  Fetcher
	queue    ImportEnqueuer
	identities IdentityLister
	scores     ScoreLister
}

// IdentityLister is the read-only slice of the store the scheduler
// needs.
type IdentityLister interface {
	AllIdentities() []IdentitySnapshot
}

// ScoreLister reports whether id has a positive score under any owner.
type ScoreLister interface {
	HasPositiveScore(id string) bool
}

// IdentitySnapshot is the minimal read-only view the scheduler
// consults per identity.
type IdentitySnapshot struct {
	ID          string
	RequestURI  string
	Edition     int64
	EditionHint int64
}

// New builds a Scheduler.
func New(fetcher Fetcher, queue ImportEnqueuer, identities IdentityLister, scores ScoreLister) *Scheduler {
	return &Scheduler{fetcher: fetcher, queue: queue, identities: identities, scores: scores}
}

// Run performs one scheduling pass: every worth-fetching identity is
// fetched synchronously and, on success, enqueued for import. Intended
// to be called from a ticker-backed background job.
func (s *Scheduler) Run(ctx context.Context) {
	for _, id := range s.identities.AllIdentities() {
		if !s.scores.HasPositiveScore(id.ID) {
			continue
		}
		target := id.Edition
		if id.EditionHint > target {
			target = id.EditionHint
		}
		target++

		payload, actual, err := s.fetcher.Fetch(ctx, id.RequestURI, target)
		if err != nil {
			continue
		}
		s.queue.Enqueue(id.ID, actual, payload)
	}
}
