// Package webhook receives signed provider push notifications, suppresses
// redeliveries and hands extracted metrics to the ingestion pipeline.
package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/engramkeep/health-connector/internal/api/apierr"
	"github.com/engramkeep/health-connector/internal/auth/token"
	"github.com/engramkeep/health-connector/internal/db/models"
	"github.com/engramkeep/health-connector/internal/logging"
	"github.com/engramkeep/health-connector/internal/observability"
	"github.com/engramkeep/health-connector/internal/pipeline"
	"github.com/engramkeep/health-connector/internal/providers"
	"github.com/engramkeep/health-connector/internal/util"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxBodyBytes = 5 << 20

var (
	ErrAuthenticationFailure = errors.New("webhook signature verification failed")
	ErrUserNotFound          = errors.New("user_not_found")
)

// Delivery outcomes, also used as metric labels.
const (
	OutcomeProcessed         = "processed"
	OutcomeDuplicate         = "duplicate"
	OutcomeLinked            = "linked"
	OutcomeUserNotFound      = "user_not_found"
	OutcomeReconnectRequired = "reconnect_required"
	OutcomePullFailed        = "pull_failed"
	OutcomeUnauthorized      = "unauthorized"
	OutcomeMalformed         = "malformed"
	OutcomeError             = "error"
)

// Accounts is the credential-store surface the gateway uses.
type Accounts interface {
	FindByExternalID(ctx context.Context, provider, externalUserID string) (*models.ProviderAccount, error)
	StoreTokens(ctx context.Context, g token.Grant) (*models.ProviderAccount, error)
}

// Gateway serves /webhooks/{provider}.
type Gateway struct {
	db       *gorm.DB
	registry *providers.Registry
	accounts Accounts
	pipeline *pipeline.Pipeline
	syncer   *pipeline.Syncer
	log      *logging.Logger
	metrics  *observability.Metrics
}

func NewGateway(db *gorm.DB, registry *providers.Registry, accounts Accounts, p *pipeline.Pipeline, syncer *pipeline.Syncer, log *logging.Logger, metrics *observability.Metrics) *Gateway {
	if log == nil {
		log = logging.NewNop()
	}
	return &Gateway{db: db, registry: registry, accounts: accounts, pipeline: p, syncer: syncer, log: log, metrics: metrics}
}

// Routes mounts the verification and delivery handlers.
func (g *Gateway) Routes(r chi.Router) {
	r.Get("/{provider}", g.HandleVerify)
	r.Post("/{provider}", g.HandleDelivery)
}

// HandleVerify echoes the subscription verification code.
func (g *Gateway) HandleVerify(w http.ResponseWriter, r *http.Request) {
	if _, ok := g.registry.Get(chi.URLParam(r, "provider")); !ok {
		apierr.Write(w, r, g.log, apierr.New(http.StatusNotFound, apierr.CodeUnknownProvider, "Unknown provider"))
		return
	}
	code := r.URL.Query().Get("verify")
	if code == "" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, code)
}

// DedupKey derives the redelivery key of a logical event.
func DedupKey(provider, eventID, timestamp string) string {
	sum := sha256.Sum256([]byte(provider + "|" + eventID + "|" + timestamp))
	return hex.EncodeToString(sum[:])
}

type result struct {
	outcome string
	metrics int
	err     error
}

// HandleDelivery processes one inbound POST.
func (g *Gateway) HandleDelivery(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	prov, ok := g.registry.Get(name)
	if !ok {
		apierr.Write(w, r, g.log, apierr.New(http.StatusNotFound, apierr.CodeUnknownProvider, "Unknown provider"))
		return
	}
	log := g.log.WithContext(r.Context()).With("provider", name)
	// Writes run to completion even if the sender hangs up.
	ctx := context.WithoutCancel(r.Context())

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		apierr.Write(w, r, g.log, apierr.New(http.StatusBadRequest, apierr.CodeMalformedPayload, "Unreadable body").WithInternal(err))
		return
	}

	if !prov.Verify(body, r.Header) {
		g.metrics.WebhookDelivery(name, OutcomeUnauthorized)
		g.record(ctx, log, models.WebhookEvent{
			Provider: name,
			DedupKey: DedupKey(name, "", bodyDigest(body)),
			Error:    ErrAuthenticationFailure.Error(),
		})
		apierr.Write(w, r, g.log, apierr.New(http.StatusUnauthorized, apierr.CodeUnauthorized, "Invalid signature"))
		return
	}

	deliveries, err := prov.ParseDeliveries(body)
	if err != nil {
		g.metrics.WebhookDelivery(name, OutcomeMalformed)
		g.record(ctx, log, models.WebhookEvent{
			Provider: name,
			DedupKey: DedupKey(name, "", bodyDigest(body)),
			Payload:  jsonOrNil(body),
			Error:    err.Error(),
		})
		apierr.Write(w, r, g.log, apierr.New(http.StatusBadRequest, apierr.CodeMalformedPayload, "Malformed payload").WithInternal(err))
		return
	}

	counts := map[string]int{}
	total := 0
	var firstErr error
	for _, d := range deliveries {
		res := g.process(ctx, log, prov, d)
		g.metrics.WebhookDelivery(name, res.outcome)
		counts[res.outcome]++
		total += res.metrics
		if res.err != nil && firstErr == nil {
			firstErr = res.err
		}
	}

	switch {
	case counts[OutcomePullFailed] > 0:
		setRetryAfter(w, firstErr)
		apierr.Write(w, r, g.log, apierr.New(http.StatusBadGateway, apierr.CodePullFailed, "Provider API unavailable").WithInternal(firstErr))
	case counts[OutcomeError] > 0:
		apierr.Write(w, r, g.log, apierr.New(http.StatusInternalServerError, apierr.CodeInternal, "Delivery could not be stored").WithInternal(firstErr))
	case len(deliveries) > 0 && counts[OutcomeUserNotFound] == len(deliveries):
		apierr.Write(w, r, g.log, apierr.New(http.StatusNotFound, apierr.CodeUserNotFound, "No connected account for this provider user"))
	case counts[OutcomeReconnectRequired] > 0:
		// Retrying cannot help until the user reconnects.
		apierr.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"status":     OutcomeReconnectRequired,
			"deliveries": len(deliveries),
			"metrics":    total,
		})
	case prov.AckStatus() == http.StatusNoContent:
		w.WriteHeader(http.StatusNoContent)
	default:
		status := OutcomeProcessed
		if len(deliveries) > 0 && counts[OutcomeDuplicate] == len(deliveries) {
			status = OutcomeDuplicate
		}
		apierr.WriteJSON(w, prov.AckStatus(), map[string]interface{}{
			"status":     status,
			"deliveries": len(deliveries),
			"metrics":    total,
		})
	}
}

func (g *Gateway) process(ctx context.Context, log *logging.Logger, prov providers.Provider, d providers.Delivery) result {
	name := prov.Name()
	key := DedupKey(name, d.EventID, d.Timestamp)
	event := models.WebhookEvent{
		Provider:  name,
		EventID:   d.EventID,
		EventType: d.EventType,
		DedupKey:  key,
		Payload:   jsonOrNil(d.Payload),
	}

	seen, err := g.alreadyProcessed(ctx, key)
	if err != nil {
		event.Error = err.Error()
		return g.finish(ctx, log, event, result{outcome: OutcomeError, err: err})
	}
	if seen {
		log.Debug("duplicate delivery skipped", "event_id", d.EventID)
		event.Error = OutcomeDuplicate
		return g.finish(ctx, log, event, result{outcome: OutcomeDuplicate})
	}

	if d.Link != nil {
		return g.link(ctx, log, name, d, event)
	}

	if d.ExternalUserID == "" {
		// Provider housekeeping such as health checks.
		event.Processed = true
		return g.finish(ctx, log, event, result{outcome: OutcomeProcessed})
	}

	account, err := g.accounts.FindByExternalID(ctx, name, d.ExternalUserID)
	if err != nil {
		if errors.Is(err, token.ErrNotConnected) {
			log.Info("webhook for unknown user", "external_user_id", d.ExternalUserID)
			event.Error = ErrUserNotFound.Error()
			return g.finish(ctx, log, event, result{outcome: OutcomeUserNotFound})
		}
		return result{outcome: OutcomeError, err: err}
	}
	event.UserID = account.UserID

	var outcome pipeline.Outcome
	var extractErrs []error
	if prov.RequiresPull() {
		outcome, err = g.syncer.Sync(ctx, prov, account, d.Date, d.Date, d.Collections)
	} else {
		var metrics []providers.Metric
		metrics, extractErrs = prov.ExtractMetrics(d)
		outcome, err = g.pipeline.Persist(ctx, pipeline.Target{
			UserID:    account.UserID,
			ProfileID: account.ProfileID,
			Source:    name,
		}, metrics)
	}
	event.MetricsCount = outcome.Stored

	switch {
	case err == nil:
	case token.IsCredentialError(err):
		event.Error = OutcomeReconnectRequired + ": " + err.Error()
		log.Warn("credential unusable, reconnect required", "user_id", account.UserID, "error", err)
		return g.finish(ctx, log, event, result{outcome: OutcomeReconnectRequired})
	case errors.Is(err, pipeline.ErrPullFailed):
		event.Error = err.Error()
		return g.finish(ctx, log, event, result{outcome: OutcomePullFailed, err: err})
	default:
		event.Error = err.Error()
		return g.finish(ctx, log, event, result{outcome: OutcomeError, err: err})
	}

	if len(extractErrs) > 0 {
		event.Error = util.TruncateLog(errors.Join(extractErrs...).Error(), util.DefaultLogMaxLen)
		log.Warn("partial extraction", "event_id", d.EventID, "failed", len(extractErrs), "stored", outcome.Stored)
	}
	event.Processed = true
	return g.finish(ctx, log, event, result{outcome: OutcomeProcessed, metrics: outcome.Stored})
}

// link completes a connection announced by the provider.
func (g *Gateway) link(ctx context.Context, log *logging.Logger, name string, d providers.Delivery, event models.WebhookEvent) result {
	userID := d.Link.ReferenceID
	if userID == "" {
		event.Error = "link without reference id"
		return g.finish(ctx, log, event, result{outcome: OutcomeUserNotFound})
	}
	if _, err := g.accounts.StoreTokens(ctx, token.Grant{
		UserID:         userID,
		Provider:       name,
		ExternalUserID: d.Link.ExternalUserID,
	}); err != nil {
		event.UserID = userID
		event.Error = "link: " + err.Error()
		return g.finish(ctx, log, event, result{outcome: OutcomeError, err: err})
	}
	log.Info("provider account linked", "user_id", userID, "external_user_id", d.Link.ExternalUserID)
	event.UserID = userID
	event.Processed = true
	return g.finish(ctx, log, event, result{outcome: OutcomeLinked})
}

func (g *Gateway) alreadyProcessed(ctx context.Context, key string) (bool, error) {
	var n int64
	err := g.db.WithContext(ctx).Model(&models.WebhookEvent{}).
		Where("dedup_key = ? AND processed = ?", key, true).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("dedup lookup: %w", err)
	}
	return n > 0, nil
}

// finish records exactly one event row for the delivery. Losing the race on
// the processed-key index to a concurrent copy turns the outcome into a
// duplicate, recorded as an unprocessed row.
func (g *Gateway) finish(ctx context.Context, log *logging.Logger, event models.WebhookEvent, res result) result {
	if err := g.insert(ctx, event); err != nil {
		if event.Processed && isUniqueViolation(err) {
			event.Processed = false
			event.MetricsCount = 0
			event.Error = OutcomeDuplicate
			g.record(ctx, log, event)
			return result{outcome: OutcomeDuplicate}
		}
		log.Error("failed to record webhook event", "event_id", event.EventID, "error", err)
		if res.err == nil {
			res = result{outcome: OutcomeError, err: err}
		}
	}
	return res
}

func (g *Gateway) record(ctx context.Context, log *logging.Logger, event models.WebhookEvent) {
	if err := g.insert(ctx, event); err != nil {
		log.Error("failed to record webhook event", "error", err)
	}
}

func (g *Gateway) insert(ctx context.Context, event models.WebhookEvent) error {
	event.ID = uuid.NewString()
	return g.db.WithContext(ctx).Create(&event).Error
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

// setRetryAfter forwards a provider's rate-limit delay to the sender.
func setRetryAfter(w http.ResponseWriter, err error) {
	var rl *providers.RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(rl.RetryAfter.Seconds()))))
	}
}

func bodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// jsonOrNil keeps the payload column valid JSON.
func jsonOrNil(b []byte) datatypes.JSON {
	if len(b) == 0 || !json.Valid(b) {
		return nil
	}
	return datatypes.JSON(b)
}
