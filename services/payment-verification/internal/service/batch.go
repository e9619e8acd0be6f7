// services/payment-verification/internal/service/batch.go
package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Sivazam/pHLynk-sub002/services/payment-verification/internal/models"
	"github.com/Sivazam/pHLynk-sub002/services/payment-verification/internal/repository"
	"github.com/Sivazam/pHLynk-sub002/shared/pkg/errs"
)

type BatchFailure struct {
	ID    string    `json:"id"`
	Code  errs.Code `json:"code"`
	Error string    `json:"error"`
}

// BatchResult accounts for every distinct input id exactly once.
type BatchResult struct {
	Successful []string       `json:"successful"`
	Failed     []BatchFailure `json:"failed"`
}

type batchOutcome struct {
	id         string
	retailerID string
	err        error
}

// BatchVerifyPayments marks payments verified in chunks. Ids in a chunk run
// concurrently and chunks run one after another; the cache entries of a
// chunk are dropped once it completes. Duplicate ids are processed once.
func (s *VerificationService) BatchVerifyPayments(ctx context.Context, ids []string) (result *BatchResult) {
	unique := dedupe(ids)
	result = &BatchResult{Successful: []string{}, Failed: []BatchFailure{}}
	done := make(map[string]bool, len(unique))

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("batch_verification_panic", zap.Any("panic", r), zap.Stack("stack"))
		}
		for _, id := range unique {
			if !done[id] {
				result.Failed = append(result.Failed, BatchFailure{ID: id, Code: errs.CodeInternal, Error: "batch aborted before this payment was processed"})
				batchItems.WithLabelValues("aborted").Inc()
			}
		}
		s.log.Payment("batch_verification_completed",
			zap.Int("requested", len(ids)),
			zap.Int("distinct", len(unique)),
			zap.Int("successful", len(result.Successful)),
			zap.Int("failed", len(result.Failed)))
	}()

	for start := 0; start < len(unique); start += s.batchSize {
		if ctx.Err() != nil {
			break
		}
		end := start + s.batchSize
		if end > len(unique) {
			end = len(unique)
		}

		for _, o := range s.verifyChunk(ctx, unique[start:end]) {
			done[o.id] = true
			if o.err == nil {
				result.Successful = append(result.Successful, o.id)
				batchItems.WithLabelValues("success").Inc()
				continue
			}
			result.Failed = append(result.Failed, BatchFailure{ID: o.id, Code: errs.CodeOf(o.err), Error: errs.Message(o.err)})
			batchItems.WithLabelValues("failed").Inc()
		}
	}
	return result
}

func (s *VerificationService) verifyChunk(ctx context.Context, ids []string) []batchOutcome {
	outcomes := make([]batchOutcome, len(ids))

	var g errgroup.Group
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			outcomes[i] = s.verifyOne(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	keys := make([]string, 0, len(ids)*2)
	seen := map[string]bool{}
	for _, o := range outcomes {
		keys = append(keys, paymentKey(o.id))
		if o.retailerID != "" && !seen[o.retailerID] {
			seen[o.retailerID] = true
			keys = append(keys, retailerKey(o.retailerID), summaryKey(o.retailerID))
		}
	}
	if err := s.cache.Invalidate(ctx, keys...); err != nil {
		s.log.Error("cache_invalidate_failed", zap.Strings("keys", keys), zap.Error(err))
	}
	return outcomes
}

func (s *VerificationService) verifyOne(ctx context.Context, id string) (outcome batchOutcome) {
	outcome.id = id
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("batch_item_panic", zap.String("payment_id", id), zap.Any("panic", r))
			outcome.err = errs.Internal(fmt.Errorf("panic: %v", r))
		}
	}()

	payment, err := s.payments.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		outcome.err = errs.NotFound("payment not found")
		return outcome
	}
	if err != nil {
		s.log.Error("batch_item_lookup_failed", zap.String("payment_id", id), zap.Error(err))
		outcome.err = errs.Internal(err)
		return outcome
	}
	outcome.retailerID = payment.RetailerID

	if payment.IsVerified {
		return outcome
	}

	now := s.now()
	if payment.Status == models.PaymentStatusExpired || payment.Expired(now) {
		if _, err := s.payments.MarkExpired(ctx, id, now); err != nil {
			s.log.Error("payment_expire_failed", zap.String("payment_id", id), zap.Error(err))
		}
		outcome.err = errs.New(errs.CodeExpired, "payment has expired")
		return outcome
	}

	changed, err := s.payments.MarkVerified(ctx, id, now)
	if err != nil {
		s.log.Error("batch_item_update_failed", zap.String("payment_id", id), zap.Error(err))
		outcome.err = errs.Wrap(errs.CodeInternal, "failed to update payment", err)
		return outcome
	}
	if changed {
		s.log.Payment("payment_verified",
			zap.String("payment_id", id),
			zap.String("retailer_id", payment.RetailerID),
			zap.String("source", "batch"))
	}
	return outcome
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
