package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fieldguard/field-integrity-backend/internal/domain/errors"
	"github.com/fieldguard/field-integrity-backend/internal/service/escalation"
)

func TestHTTPNotifier_Send(t *testing.T) {
	escalationID := uuid.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/dispatch", r.URL.Path)

		var payload map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, escalationID.String(), payload["escalation_id"])
		assert.Equal(t, "sms", payload["method"])

		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(nil, Config{BaseURL: srv.URL, APIKey: "key"}, zap.NewNop())

	err := n.Send(context.Background(), escalation.VerificationRequest{
		TenantID:     uuid.New(),
		EscalationID: escalationID,
		Method:       "sms",
		Message:      "please confirm your current site",
	})
	require.NoError(t, err)
}

func TestHTTPNotifier_GatewayErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(nil, Config{BaseURL: srv.URL}, zap.NewNop())

	err := n.Send(context.Background(), escalation.VerificationRequest{
		TenantID:     uuid.New(),
		EscalationID: uuid.New(),
		Method:       "push",
	})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeExternal))
}
