// Package extern holds the HTTP clients for the core's external
// collaborators: the document parser, the master-data services the business
// rules consult, and destination accounting connectors. Each client maps
// transport failures to retryable error kinds so the job fabric and the
// rule engine degrade the way the contracts require.
package extern

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pesio-ai/be-ap-intake/internal/apperr"
	"github.com/pesio-ai/be-ap-intake/internal/domain"
	"github.com/pesio-ai/be-ap-intake/internal/rules"
)

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// ── extractor ─────────────────────────────────────────────────────────────────

// ExtractorClient calls the OCR/parser service.
type ExtractorClient struct {
	baseURL string
	http    *http.Client
}

func NewExtractorClient(baseURL string, timeout time.Duration) *ExtractorClient {
	return &ExtractorClient{baseURL: baseURL, http: newHTTPClient(timeout)}
}

// Extract asks the parser for the structured fields of a stored document.
func (c *ExtractorClient) Extract(ctx context.Context, storageRef string) (*domain.Extraction, error) {
	body, err := json.Marshal(map[string]string{"storage_ref": storageRef})
	if err != nil {
		return nil, apperr.Internal("failed to encode extraction request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/extract", bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Internal("failed to build extraction request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.Unavailable("extractor unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnprocessableEntity:
		// The parser understood the document and cannot extract it; no
		// retry will change that.
		return nil, apperr.New(apperr.KindInvalid, "unparseable", "document cannot be parsed")
	case resp.StatusCode >= 500:
		return nil, apperr.Unavailable(fmt.Sprintf("extractor returned %d", resp.StatusCode), nil)
	default:
		return nil, apperr.Newf(apperr.KindInvalid, "extractor_rejected", "extractor returned %d", resp.StatusCode)
	}

	var out struct {
		Header        map[string]domain.Field `json:"header"`
		Lines         []domain.Line           `json:"lines"`
		ParserVersion string                  `json:"parser_version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperr.Wrap(err, apperr.KindUnavailable, "malformed extractor response")
	}
	return &domain.Extraction{
		Header:        out.Header,
		Lines:         out.Lines,
		ParserVersion: out.ParserVersion,
	}, nil
}

// ── master data lookups ───────────────────────────────────────────────────────

// MasterDataClient implements rules.Lookups against the vendor master and
// procurement services.
type MasterDataClient struct {
	baseURL string
	http    *http.Client
}

func NewMasterDataClient(baseURL string, timeout time.Duration) *MasterDataClient {
	return &MasterDataClient{baseURL: baseURL, http: newHTTPClient(timeout)}
}

var _ rules.Lookups = (*MasterDataClient)(nil)

func (c *MasterDataClient) Vendor(ctx context.Context, vendorID string) (*rules.Vendor, error) {
	var v rules.Vendor
	found, err := c.get(ctx, "/v1/vendors/"+vendorID, &v)
	if err != nil || !found {
		return nil, err
	}
	return &v, nil
}

func (c *MasterDataClient) PurchaseOrder(ctx context.Context, poNumber string) (*rules.PurchaseOrder, error) {
	var po rules.PurchaseOrder
	found, err := c.get(ctx, "/v1/purchase-orders/"+poNumber, &po)
	if err != nil || !found {
		return nil, err
	}
	return &po, nil
}

func (c *MasterDataClient) GoodsReceipt(ctx context.Context, poNumber string) (*rules.GoodsReceipt, error) {
	var gr rules.GoodsReceipt
	found, err := c.get(ctx, "/v1/goods-receipts/"+poNumber, &gr)
	if err != nil || !found {
		return nil, err
	}
	return &gr, nil
}

// get fetches one resource; (false, nil) means a clean 404.
func (c *MasterDataClient) get(ctx context.Context, path string, v any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return false, apperr.Internal("failed to build lookup request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, apperr.Unavailable("master data service unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	default:
		return false, apperr.Unavailable(fmt.Sprintf("master data service returned %d", resp.StatusCode), nil)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return false, apperr.Wrap(err, apperr.KindUnavailable, "malformed lookup response")
	}
	return true, nil
}

// ── destination connector ─────────────────────────────────────────────────────

// ConnectorClient posts export payloads to one downstream accounting system.
type ConnectorClient struct {
	baseURL string
	http    *http.Client
}

func NewConnectorClient(baseURL string, timeout time.Duration) *ConnectorClient {
	return &ConnectorClient{baseURL: baseURL, http: newHTTPClient(timeout)}
}

func (c *ConnectorClient) Post(ctx context.Context, format domain.ExportFormat, payload map[string]string) (string, error) {
	body, err := json.Marshal(map[string]any{"format": format, "payload": payload})
	if err != nil {
		return "", apperr.Internal("failed to encode export payload", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/documents", bytes.NewReader(body))
	if err != nil {
		return "", apperr.Internal("failed to build post request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", apperr.Unavailable("destination unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", apperr.Unavailable(fmt.Sprintf("destination returned %d", resp.StatusCode), nil)
	}
	var out struct {
		ExternalRef string `json:"external_ref"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.ExternalRef == "" {
		return "", apperr.Unavailable("destination returned no reference", err)
	}
	return out.ExternalRef, nil
}

func (c *ConnectorClient) Reverse(ctx context.Context, externalRef string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/v1/documents/"+externalRef, nil)
	if err != nil {
		return apperr.Internal("failed to build reverse request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Unavailable("destination unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return apperr.Unavailable(fmt.Sprintf("destination returned %d", resp.StatusCode), nil)
	}
	return nil
}
