// Package webhook receives Wise event notifications. The endpoint is not
// behind auth middleware; security comes from verifying the provider
// signature against the pinned Wise public key.
//
// Failures Wise should not retry (bad signature, malformed event, unknown
// profile) are acknowledged with 200 so the subscription is not suspended;
// only storage and peers-config failures return 500.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"peerflow/internal/peers"
	"peerflow/internal/telemetry"
	"peerflow/internal/types"
)

// maxEventBodySize caps the accepted Wise payload (64 KB). Events are small;
// the limit protects against abuse.
const maxEventBodySize = 64 * 1024

// webhookFunctionName tags failure metrics emitted by this handler.
const webhookFunctionName = "api_webhook"

// Verifier checks the provider signature over the raw request body.
type Verifier interface {
	Verify(payload []byte, signatureB64 string) error
}

// PeerSource provides the current peers configuration.
type PeerSource interface {
	Fetch(ctx context.Context) ([]types.PeerConfig, error)
}

// ObjectStore is the subset of the storage layer the handler needs.
type ObjectStore interface {
	Put(ctx context.Context, bucket, key string, body io.Reader) (types.ObjectRef, error)
}

// WiseHandler persists verified Wise events into the upload bucket, keyed
// by the peer that owns the event's profile.
type WiseHandler struct {
	verifier     Verifier
	peers        PeerSource
	store        ObjectStore
	uploadBucket string
	clock        types.Clock
	metrics      telemetry.Metrics
	logger       *slog.Logger
}

// NewWiseHandler creates a WiseHandler. A nil clock falls back to real UTC
// time and a nil metrics sink is silenced.
func NewWiseHandler(
	verifier Verifier,
	peerSource PeerSource,
	store ObjectStore,
	uploadBucket string,
	clock types.Clock,
	metrics telemetry.Metrics,
	logger *slog.Logger,
) *WiseHandler {
	if clock == nil {
		clock = types.RealClock{}
	}
	if metrics == nil {
		metrics = telemetry.Silent{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WiseHandler{
		verifier:     verifier,
		peers:        peerSource,
		store:        store,
		uploadBucket: uploadBucket,
		clock:        clock,
		metrics:      metrics,
		logger:       logger,
	}
}

// RegisterRoutes mounts the webhook endpoint. Kept separate from the admin
// routes because this one is public.
func (h *WiseHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/wise", h.Handle)
}

// Handle processes one incoming Wise notification.
//
//  1. Reads the raw body with a size limit.
//  2. Answers test notifications without verification.
//  3. Verifies the X-Signature-SHA256 header over the raw body.
//  4. Resolves the owning peer via the event's profile id.
//  5. Persists the event plus its delivery id, then returns 200.
func (h *WiseHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, maxEventBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil || len(body) == 0 {
		h.logger.WarnContext(ctx, "unable to process request without a body", "error", err)
		h.acknowledgeFailure(ctx, w, "Unable to process requests without a body.")
		return
	}

	if r.Header.Get("X-Test-Notification") == "true" {
		h.logger.InfoContext(ctx, "recognized test notification")
		respond(w, http.StatusOK, "Test")
		return
	}

	signature := r.Header.Get("X-Signature-SHA256")
	if signature == "" {
		h.logger.WarnContext(ctx, "missing X-Signature-SHA256 header")
		h.acknowledgeFailure(ctx, w, "Invalid")
		return
	}
	if err := h.verifier.Verify(body, signature); err != nil {
		h.logger.WarnContext(ctx, "signature verification failed", "error", err)
		h.acknowledgeFailure(ctx, w, "Invalid")
		return
	}

	deliveryID := r.Header.Get("X-Delivery-Id")

	if err := h.processEvent(ctx, body, deliveryID); err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code.HTTPStatus() == http.StatusBadRequest {
			h.logger.WarnContext(ctx, "discarding unprocessable event", "error", err)
			h.acknowledgeFailure(ctx, w, appErr.Message)
			return
		}
		h.logger.ErrorContext(ctx, "unable to process wise event", "error", err)
		respond(w, http.StatusInternalServerError, "Failure")
		return
	}

	respond(w, http.StatusOK, "Success")
}

// processEvent parses, attributes, and persists one verified event.
func (h *WiseHandler) processEvent(ctx context.Context, body []byte, deliveryID string) error {
	h.metrics.Rate(ctx, types.MetricAPIEvents, 1, nil)

	var event WiseEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return types.NewAppError(types.ErrCodeValidationBadEvent,
			"unable to transform record into a wise event", err)
	}
	if event.Data.Resource == nil || event.Data.Resource.ProfileID == 0 {
		return types.NewAppError(types.ErrCodeValidationBadEvent,
			"wise event was not in the expected format", nil)
	}

	profileID := strconv.FormatInt(event.Data.Resource.ProfileID, 10)
	resourceID := "_"
	if event.Data.Resource.ID != 0 {
		resourceID = strconv.FormatInt(event.Data.Resource.ID, 10)
	}

	config, err := h.peers.Fetch(ctx)
	if err != nil {
		return err
	}
	peer := peers.FindPeerByWiseProfile(config, profileID)
	if peer == nil {
		return types.NewAppError(types.ErrCodeValidationUnknownPeer,
			fmt.Sprintf("unable to find wise peer using profile %q", profileID), nil)
	}

	h.logger.InfoContext(ctx, "wise event attributed",
		"peer", peer.ID, "profile", profileID, "event_type", event.EventType)
	h.metrics.Rate(ctx, types.MetricAPIEventPeer, 1, map[string]string{types.DimPeer: peer.ID})

	suffix := strconv.FormatInt(h.clock.Now().Unix(), 10)
	objectKey := EventObjectKey(peer.ID, profileID, event.EventType, resourceID, suffix)

	payload, err := json.Marshal(storedEvent{WiseEvent: event, DeliveryID: deliveryID})
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected,
			"unable to serialize wise event for storage", err)
	}

	if _, err := h.store.Put(ctx, h.uploadBucket, objectKey, bytes.NewReader(payload)); err != nil {
		return err
	}
	return nil
}

// acknowledgeFailure records the failure metric and answers 200 so Wise
// does not retry or suspend the subscription.
func (h *WiseHandler) acknowledgeFailure(ctx context.Context, w http.ResponseWriter, message string) {
	h.metrics.LambdaError(ctx, uuid.NewString(), webhookFunctionName, "")
	respond(w, http.StatusOK, message)
}

func respond(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
