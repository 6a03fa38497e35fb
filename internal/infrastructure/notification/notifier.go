package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/fieldguard/field-integrity-backend/internal/domain/errors"
	"github.com/fieldguard/field-integrity-backend/internal/service/escalation"
)

// Config wires the verification dispatch gateway.
type Config struct {
	BaseURL string
	APIKey  string
}

// HTTPNotifier dispatches verification requests to the notification gateway
// (call, SMS or push behind one endpoint). Dispatch is fire-and-forget: the
// subject's answer flows back later through RecordVerification, so a failed
// send never blocks the escalation lifecycle.
type HTTPNotifier struct {
	http   *http.Client
	cfg    Config
	logger *zap.Logger
}

func NewHTTPNotifier(client *http.Client, cfg Config, logger *zap.Logger) *HTTPNotifier {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPNotifier{http: client, cfg: cfg, logger: logger}
}

type dispatchPayload struct {
	TenantID     string `json:"tenant_id"`
	EscalationID string `json:"escalation_id"`
	Method       string `json:"method"`
	Message      string `json:"message"`
}

func (n *HTTPNotifier) Send(ctx context.Context, req escalation.VerificationRequest) error {
	payload, err := json.Marshal(dispatchPayload{
		TenantID:     req.TenantID.String(),
		EscalationID: req.EscalationID.String(),
		Method:       req.Method,
		Message:      req.Message,
	})
	if err != nil {
		return errors.Wrap(err, "encoding verification dispatch")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.BaseURL+"/dispatch", bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "building dispatch request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+n.cfg.APIKey)

	resp, err := n.http.Do(httpReq)
	if err != nil {
		return errors.NewExternalError("notification", err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return errors.NewExternalError("notification",
			fmt.Sprintf("dispatch returned status %d", resp.StatusCode))
	}

	n.logger.Debug("verification request dispatched",
		zap.String("escalation_id", req.EscalationID.String()),
		zap.String("method", req.Method))
	return nil
}
