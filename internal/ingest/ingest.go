// Package ingest accepts invoice documents into the pipeline: bounds and
// type checks, content-hash deduplication, and the received invoice with
// its first parse job, all under the upload idempotency key.
package ingest

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-ap-intake/internal/apperr"
	"github.com/pesio-ai/be-ap-intake/internal/domain"
	"github.com/pesio-ai/be-ap-intake/internal/idempotency"
	"github.com/pesio-ai/be-ap-intake/internal/ident"
	"github.com/pesio-ai/be-ap-intake/internal/lifecycle"
	"github.com/pesio-ai/be-ap-intake/internal/repository"
)

const (
	// MaxDocumentBytes bounds one submitted document.
	MaxDocumentBytes = 50 << 20
	// MaxBatchItems bounds one batch submission.
	MaxBatchItems = 50
)

// acceptedTypes are the document content types the parser can handle.
var acceptedTypes = map[string]bool{
	"application/pdf": true,
	"image/png":       true,
	"image/jpeg":      true,
	"image/tiff":      true,
}

// BlobStore keeps original document bytes; extraction reads them back by
// reference. The core treats it as external storage.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
}

// Enqueuer schedules the parse job in the submission transaction.
type Enqueuer interface {
	EnqueueOn(ctx context.Context, st repository.Store, opType string, v any) (string, error)
}

// Submission is one incoming document.
type Submission struct {
	FileName    string
	ContentType string
	Content     []byte
	Source      domain.Source
}

// Receipt reports what a submission resolved to.
type Receipt struct {
	InvoiceID string `json:"invoice_id"`
	Duplicate bool   `json:"duplicate"`
}

// BatchReceipt pairs a submission index with its outcome or error.
type BatchReceipt struct {
	Index   int      `json:"index"`
	Receipt *Receipt `json:"receipt,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// Service is the intake front door.
type Service struct {
	store    repository.Store
	clock    ident.Clock
	idem     *idempotency.Manager
	blobs    BlobStore
	enqueuer Enqueuer
	log      zerolog.Logger
}

func NewService(store repository.Store, clock ident.Clock, idem *idempotency.Manager, blobs BlobStore, enqueuer Enqueuer, log zerolog.Logger) *Service {
	return &Service{
		store:    store,
		clock:    clock,
		idem:     idem,
		blobs:    blobs,
		enqueuer: enqueuer,
		log:      log.With().Str("component", "ingest").Logger(),
	}
}

// SubmitDocument accepts one document for a submitter. A resubmission of
// identical bytes by the same submitter collapses to the existing invoice
// and reports duplicate.
func (s *Service) SubmitDocument(ctx context.Context, submitter string, sub Submission) (*Receipt, error) {
	if err := checkSubmission(sub); err != nil {
		return nil, err
	}
	hash := ident.ContentHash(sub.Content)
	key := idempotency.UploadKey(hash, submitter)
	raw, replayed, err := s.idem.Execute(ctx, key, "invoice.upload", submitter, func(ctx context.Context) ([]byte, error) {
		r, err := s.admit(ctx, submitter, hash, sub)
		if err != nil {
			return nil, err
		}
		return json.Marshal(r)
	})
	if err != nil {
		return nil, err
	}
	var r Receipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, apperr.Internal("failed to decode submission receipt", err)
	}
	if replayed {
		// The stored receipt is replayed untouched; marking the duplicate is
		// this call's observation, not part of the recorded result.
		r.Duplicate = true
	}
	return &r, nil
}

// SubmitBatch accepts up to MaxBatchItems documents. Items are independent:
// one bad document reports its error in place without failing the batch.
func (s *Service) SubmitBatch(ctx context.Context, submitter string, subs []Submission) ([]BatchReceipt, error) {
	if len(subs) == 0 {
		return nil, apperr.InvalidInput("items", "batch is empty")
	}
	if len(subs) > MaxBatchItems {
		return nil, apperr.New(apperr.KindInvalid, "batch_too_large", "batch exceeds the item limit")
	}
	out := make([]BatchReceipt, 0, len(subs))
	for i, sub := range subs {
		r, err := s.SubmitDocument(ctx, submitter, sub)
		if err != nil {
			out = append(out, BatchReceipt{Index: i, Error: err.Error()})
			continue
		}
		out = append(out, BatchReceipt{Index: i, Receipt: r})
	}
	return out, nil
}

// admit creates the invoice, stores the original bytes, and schedules the
// first parse, all in one transaction.
func (s *Service) admit(ctx context.Context, submitter, hash string, sub Submission) (*Receipt, error) {
	storageRef, err := s.blobs.Put(ctx, hash, sub.Content)
	if err != nil {
		return nil, apperr.Unavailable("document storage failed", err)
	}

	var receipt *Receipt
	err = s.store.InTx(ctx, func(st repository.Store) error {
		existing, err := st.FindInvoiceByContentHash(ctx, hash, submitter)
		if err != nil {
			return err
		}
		if existing != nil {
			receipt = &Receipt{InvoiceID: existing.ID, Duplicate: true}
			return nil
		}

		now := s.clock.Now()
		inv := &domain.Invoice{
			ID:          ident.NewID(),
			ContentHash: hash,
			Submitter:   submitter,
			Source:      sub.Source,
			StorageRef:  storageRef,
			State:       domain.StateReceived,
			CreatedAt:   now,
			UpdatedAt:   now,
			Version:     1,
		}
		if err := st.CreateInvoice(ctx, inv); err != nil {
			if apperr.IsKind(err, apperr.KindDuplicate) {
				// Lost the race to a concurrent identical upload.
				prior, ferr := st.FindInvoiceByContentHash(ctx, hash, submitter)
				if ferr != nil {
					return ferr
				}
				if prior != nil {
					receipt = &Receipt{InvoiceID: prior.ID, Duplicate: true}
					return nil
				}
			}
			return err
		}
		if err := lifecycle.AppendEvent(ctx, st, domain.EventInvoiceReceived, "invoice", inv.ID, map[string]any{
			"source":    sub.Source,
			"submitter": submitter,
			"file_name": sub.FileName,
		}, now); err != nil {
			return err
		}
		if _, err := s.enqueuer.EnqueueOn(ctx, st, domain.OpParseInvoice, map[string]string{"invoice_id": inv.ID}); err != nil {
			return err
		}
		receipt = &Receipt{InvoiceID: inv.ID}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !receipt.Duplicate {
		s.log.Info().Str("invoice_id", receipt.InvoiceID).Str("submitter", submitter).Str("source", string(sub.Source)).Msg("invoice received")
	}
	return receipt, nil
}

func checkSubmission(sub Submission) error {
	if len(sub.Content) == 0 {
		return apperr.InvalidInput("content", "document is empty")
	}
	if len(sub.Content) > MaxDocumentBytes {
		return apperr.New(apperr.KindInvalid, "too_large", "document exceeds the size limit")
	}
	ct := strings.ToLower(strings.TrimSpace(sub.ContentType))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if !acceptedTypes[ct] {
		return apperr.InvalidInput("content_type", "unsupported document type "+ct)
	}
	switch sub.Source {
	case domain.SourceUpload, domain.SourceEmail, domain.SourceAPI:
	default:
		return apperr.InvalidInput("source", "unknown source")
	}
	return nil
}
