// Package idempotency stores the first response produced for an
// (Idempotency-Key, route) pair and replays it for retries.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/commerce-core/pkg/db"
	"github.com/angelmondragon/commerce-core/pkg/db/models"
	"github.com/angelmondragon/commerce-core/pkg/enums"
	pkgerrors "github.com/angelmondragon/commerce-core/pkg/errors"
	"github.com/angelmondragon/commerce-core/pkg/logger"
)

const (
	uniqueKeyRoute = "ux_idempotency_keys_key_route"
	defaultTTL     = 24 * time.Hour
	maxKeyLength   = 255
)

type store interface {
	Conn(ctx context.Context) *gorm.DB
}

// Request identifies one guarded call.
type Request struct {
	Key         string
	Route       string
	RequestHash string
	// TTL overrides the guard default when positive.
	TTL time.Duration
}

// Response is what the handler produced and what a replay returns.
type Response struct {
	StatusCode  int
	Body        []byte
	ContentType string
}

// Handler runs the protected work. ctx carries no transaction; the handler's
// own WithTx calls commit before it returns.
type Handler func(ctx context.Context) (Response, error)

type Guard struct {
	store  store
	ttl    time.Duration
	now    func() time.Time
	logger *logger.Logger
}

type Option func(*Guard)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

func NewGuard(store store, ttl time.Duration, logg *logger.Logger, opts ...Option) (*Guard, error) {
	if store == nil {
		return nil, errors.New("idempotency store required")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	g := &Guard{store: store, ttl: ttl, now: time.Now, logger: logg}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Do executes fn at most once per (key, route) within the TTL. The key is
// claimed as IN_PROGRESS before fn runs and completed with fn's response
// afterwards. A retry that finds an open claim gets CodeConflict and never
// re-runs fn; replayed reports whether the response came from storage.
func (g *Guard) Do(ctx context.Context, req Request, fn Handler) (resp Response, replayed bool, err error) {
	req.Key = strings.TrimSpace(req.Key)
	req.Route = strings.TrimSpace(req.Route)
	if req.Key == "" || req.Route == "" {
		return Response{}, false, pkgerrors.New(pkgerrors.CodeValidation, "idempotency key and route are required")
	}
	if len(req.Key) > maxKeyLength {
		return Response{}, false, pkgerrors.New(pkgerrors.CodeValidation, "idempotency key too long")
	}
	if fn == nil {
		return Response{}, false, errors.New("idempotency handler required")
	}
	ctx = db.WithoutTx(ctx)

	claim, existing, err := g.claim(ctx, req)
	if err != nil {
		return Response{}, false, err
	}
	if existing != nil {
		stored, err := replay(existing, req)
		return stored, err == nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			g.release(ctx, claim)
			panic(r)
		}
	}()

	resp, err = fn(ctx)
	if err != nil {
		g.release(ctx, claim)
		return Response{}, false, err
	}
	if resp.StatusCode >= 500 {
		g.release(ctx, claim)
		return resp, false, nil
	}

	// fn's effects are committed at this point. If the response cannot be
	// stored the claim stays open, so retries conflict instead of re-running.
	if err := g.complete(ctx, claim, resp); err != nil && g.logger != nil {
		g.logger.Error(g.logger.WithField(ctx, "idempotency_key", req.Key), "idempotency.complete_failed", err)
	}
	return resp, false, nil
}

// claim inserts an IN_PROGRESS record for req. When a live record already
// exists it is returned as existing instead.
func (g *Guard) claim(ctx context.Context, req Request) (claim, existing *models.IdempotencyKey, err error) {
	existing, err = g.lookup(ctx, req)
	if err != nil || existing != nil {
		return nil, existing, err
	}

	ttl := g.ttl
	if req.TTL > 0 {
		ttl = req.TTL
	}
	record := &models.IdempotencyKey{
		Key:         req.Key,
		Route:       req.Route,
		RequestHash: req.RequestHash,
		Status:      enums.IdempotencyInProgress,
		ExpiresAt:   g.now().UTC().Add(ttl),
	}
	if err := g.store.Conn(ctx).Create(record).Error; err != nil {
		if !db.IsUniqueViolation(err, uniqueKeyRoute) {
			return nil, nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "claim idempotency key")
		}
		winner, lookupErr := g.lookup(ctx, req)
		if lookupErr != nil {
			return nil, nil, lookupErr
		}
		if winner == nil {
			return nil, nil, errInProgress()
		}
		if g.logger != nil {
			g.logger.Warn(g.logger.WithField(ctx, "idempotency_key", req.Key), "concurrent idempotent request lost the claim")
		}
		return nil, winner, nil
	}
	return record, nil, nil
}

func (g *Guard) complete(ctx context.Context, claim *models.IdempotencyKey, resp Response) error {
	res := g.store.Conn(ctx).Model(&models.IdempotencyKey{}).
		Where("id = ? AND status = ?", claim.ID, enums.IdempotencyInProgress).
		Updates(map[string]any{
			"status":        enums.IdempotencyCompleted,
			"status_code":   resp.StatusCode,
			"response_body": resp.Body,
			"content_type":  resp.ContentType,
		})
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "store idempotency response")
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeConflict, "idempotency claim no longer open")
	}
	return nil
}

// release drops an open claim so the caller may retry with the same key.
func (g *Guard) release(ctx context.Context, claim *models.IdempotencyKey) {
	err := g.store.Conn(ctx).
		Where("id = ? AND status = ?", claim.ID, enums.IdempotencyInProgress).
		Delete(&models.IdempotencyKey{}).Error
	if err != nil && g.logger != nil {
		g.logger.Error(g.logger.WithField(ctx, "idempotency_key", claim.Key), "idempotency.release_failed", err)
	}
}

func errInProgress() error {
	return pkgerrors.New(pkgerrors.CodeConflict, "idempotent request in progress")
}

// PurgeExpired deletes up to limit records whose expiry is at or before now.
func (g *Guard) PurgeExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 500
	}
	conn := g.store.Conn(ctx)
	ids := conn.Model(&models.IdempotencyKey{}).
		Select("id").
		Where("expires_at <= ?", now.UTC()).
		Order("expires_at ASC").
		Limit(limit)
	res := conn.Where("id IN (?)", ids).Delete(&models.IdempotencyKey{})
	if res.Error != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "purge idempotency keys")
	}
	return res.RowsAffected, nil
}

// lookup returns the live record for req, deleting it first if it expired.
func (g *Guard) lookup(ctx context.Context, req Request) (*models.IdempotencyKey, error) {
	conn := g.store.Conn(ctx)

	var record models.IdempotencyKey
	err := conn.Where("key = ? AND route = ?", req.Key, req.Route).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load idempotency record")
	}

	if !record.ExpiresAt.After(g.now().UTC()) {
		if err := conn.Where("id = ?", record.ID).Delete(&models.IdempotencyKey{}).Error; err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "delete expired idempotency record")
		}
		return nil, nil
	}
	return &record, nil
}

func replay(record *models.IdempotencyKey, req Request) (Response, error) {
	if record.RequestHash != req.RequestHash {
		return Response{}, pkgerrors.New(pkgerrors.CodeIdempotency, "idempotency key reused with different payload")
	}
	if record.Status != enums.IdempotencyCompleted {
		return Response{}, errInProgress()
	}
	return Response{
		StatusCode:  record.StatusCode,
		Body:        record.ResponseBody,
		ContentType: record.ContentType,
	}, nil
}

// HashRequest fingerprints a request body.
func HashRequest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
