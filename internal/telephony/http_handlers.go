package telephony

import (
	"context"
	"errors"
	"io"
	"net/http"

	"callbridge/internal/calls"
	"callbridge/pkg/logger"

	"github.com/gin-gonic/gin"
)

// CallManager is the slice of the call manager the webhook boundary needs.
type CallManager interface {
	ProcessEvent(ctx context.Context, ev calls.NormalizedEvent) error
	SpeakInitialMessage(ctx context.Context, providerCallID string) error
}

// WebhookHandler adapts provider webhooks to the call manager: verify,
// parse, feed events through, and write the inline vendor response when one
// is required.
//
// No business logic here; rejection and normalization belong to the
// adapter, transitions to the manager.
type WebhookHandler struct {
	Provider Provider
	Manager  CallManager
}

func (h WebhookHandler) Handle(c *gin.Context) {
	log := logger.FromGin(c)
	ctx := c.Request.Context()

	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	req := WebhookRequest{
		Headers: flattenHeaders(c.Request.Header),
		RawBody: raw,
		URL:     c.Request.URL.String(),
		Method:  c.Request.Method,
		Query:   c.Request.URL.Query(),
	}

	if v := h.Provider.VerifyWebhook(ctx, req); !v.OK {
		log.Warn("webhook rejected", "provider", h.Provider.Name(), "reason", v.Reason)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "signature verification failed"})
		return
	}

	res, err := h.Provider.ParseWebhookEvent(ctx, req)
	if err != nil {
		log.Warn("webhook parse failed", "provider", h.Provider.Name(), "err", err)
		status := res.StatusCode
		if status == 0 {
			status = http.StatusBadRequest
		}
		c.AbortWithStatusJSON(status, gin.H{"error": "invalid webhook payload"})
		return
	}

	for _, ev := range res.Events {
		if err := h.Manager.ProcessEvent(ctx, ev); err != nil {
			// The manager only errors on contract violations; webhook
			// delivery still gets a 2xx so the vendor stops retrying.
			log.Error("event processing failed", "event_id", ev.ID, "err", err)
		}
	}

	if res.MediaLive && res.ProviderCallID != "" {
		// The vendor is waiting for the instruction body; greet after the
		// response is on the wire.
		speakCtx := context.WithoutCancel(ctx)
		providerCallID := res.ProviderCallID
		go func() {
			err := h.Manager.SpeakInitialMessage(speakCtx, providerCallID)
			if err != nil && !errors.Is(err, calls.ErrCallNotFound) {
				logger.From(speakCtx).Warn("initial message failed",
					"provider_call_id", providerCallID, "err", err)
			}
		}()
	}

	status := res.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	if res.ProviderResponseBody != nil {
		contentType := res.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		c.Data(status, contentType, res.ProviderResponseBody)
		return
	}
	c.Status(status)
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
