package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lecternhq/lectern/internal/config"
	"github.com/lecternhq/lectern/internal/model"
	appErr "github.com/lecternhq/lectern/internal/pkg/errors"
)

// ResourceMeta is what the provider knows about a resource before any
// content is exported.
type ResourceMeta struct {
	Title        string `json:"title"`
	Etag         string `json:"etag"`
	LastEditTime int64  `json:"last_edit_time"`
}

// Fetcher talks to the source system. Archive exports are asynchronous on
// the provider side: request one, poll until ready, then download.
type Fetcher interface {
	Resolve(ctx context.Context, externalID model.ExternalID) (*ResourceMeta, error)
	RequestArchive(ctx context.Context, externalID model.ExternalID) (string, error)
	PollArchive(ctx context.Context, archiveID string) (bool, error)
	DownloadArchive(ctx context.Context, archiveID string) (io.ReadCloser, error)
}

type httpFetcher struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPFetcher(cfg config.SourceConfig) Fetcher {
	return &httpFetcher{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  &http.Client{Timeout: time.Duration(cfg.TimeoutSec) * time.Second},
	}
}

func (f *httpFetcher) Resolve(ctx context.Context, externalID model.ExternalID) (*ResourceMeta, error) {
	endpoint := f.baseURL + "/api/v1/resources/" + url.PathEscape(externalID.String())
	var meta ResourceMeta
	if err := f.getJSON(ctx, endpoint, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (f *httpFetcher) RequestArchive(ctx context.Context, externalID model.ExternalID) (string, error) {
	endpoint := f.baseURL + "/api/v1/archives"
	body := fmt.Sprintf(`{"external_id":%q}`, externalID.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	var out struct {
		ArchiveID string `json:"archive_id"`
	}
	if err := f.doJSON(req, &out); err != nil {
		return "", err
	}
	if out.ArchiveID == "" {
		return "", fmt.Errorf("archive request returned no id: %w", appErr.ErrArchiveFailed)
	}
	return out.ArchiveID, nil
}

func (f *httpFetcher) PollArchive(ctx context.Context, archiveID string) (bool, error) {
	endpoint := f.baseURL + "/api/v1/archives/" + url.PathEscape(archiveID)
	var out struct {
		Ready  bool   `json:"ready"`
		Failed bool   `json:"failed"`
		Reason string `json:"reason"`
	}
	if err := f.getJSON(ctx, endpoint, &out); err != nil {
		return false, err
	}
	if out.Failed {
		return false, fmt.Errorf("provider export failed: %s: %w", out.Reason, appErr.ErrArchiveFailed)
	}
	return out.Ready, nil
}

func (f *httpFetcher) DownloadArchive(ctx context.Context, archiveID string) (io.ReadCloser, error) {
	endpoint := f.baseURL + "/api/v1/archives/" + url.PathEscape(archiveID) + "/content"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	f.authorize(req)
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, appErr.Transient(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp.Body, nil
}

func (f *httpFetcher) getJSON(ctx context.Context, endpoint string, dst interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return f.doJSON(req, dst)
}

func (f *httpFetcher) doJSON(req *http.Request, dst interface{}) error {
	f.authorize(req)
	resp, err := f.client.Do(req)
	if err != nil {
		return appErr.Transient(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return statusError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

func (f *httpFetcher) authorize(req *http.Request) {
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
}

// statusError maps provider HTTP failures onto the error taxonomy: 404 is
// permanent not-found, throttling and server errors are transient,
// everything else is permanent.
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(body))
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("source returned 404: %s: %w", msg, appErr.ErrNotFound)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return appErr.Transient(fmt.Errorf("source request failed: %s: %s", resp.Status, msg))
	default:
		return fmt.Errorf("source request failed: %s: %s", resp.Status, msg)
	}
}
