package ticketing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fieldguard/field-integrity-backend/internal/domain/errors"
	"github.com/fieldguard/field-integrity-backend/internal/infrastructure/config"
	"github.com/fieldguard/field-integrity-backend/internal/service/escalation"
)

// Client talks to the external ticketing system over HTTP. All calls pass a
// shared rate limiter so escalation bursts cannot flood the remote API.
type Client struct {
	http    *http.Client
	baseURL string
	apiKey  string
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewClient(cfg config.TicketingConfig, logger *zap.Logger) *Client {
	return &Client{
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		logger:  logger,
	}
}

type createTicketPayload struct {
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Severity    string            `json:"severity"`
	DedupKey    string            `json:"dedup_key"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type ticketResponse struct {
	ID string `json:"id"`
}

// CreateTicket opens a ticket and returns its external id.
func (c *Client) CreateTicket(ctx context.Context, req escalation.TicketRequest) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	payload, err := json.Marshal(createTicketPayload{
		Title:       req.Title,
		Description: req.Description,
		Severity:    req.Severity.String(),
		DedupKey:    req.DedupKey,
		Metadata:    req.Metadata,
	})
	if err != nil {
		return "", errors.Wrap(err, "encoding ticket payload")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tickets", bytes.NewReader(payload))
	if err != nil {
		return "", errors.Wrap(err, "building ticket request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", errors.NewExternalError("ticketing", err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", errors.NewExternalError("ticketing",
			fmt.Sprintf("create returned status %d", resp.StatusCode))
	}

	var tr ticketResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", errors.Wrap(err, "decoding ticket response")
	}
	return tr.ID, nil
}

// FindOpenTicket returns the id of an open, unresolved ticket for the dedup
// key, or empty when none exists.
func (c *Client) FindOpenTicket(ctx context.Context, dedupKey string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("%s/tickets/open?dedup_key=%s", c.baseURL, url.QueryEscape(dedupKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", errors.Wrap(err, "building ticket lookup")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", errors.NewExternalError("ticketing", err.Error())
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var tr ticketResponse
		if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
			return "", errors.Wrap(err, "decoding ticket response")
		}
		return tr.ID, nil
	case http.StatusNotFound:
		return "", nil
	default:
		return "", errors.NewExternalError("ticketing",
			fmt.Sprintf("lookup returned status %d", resp.StatusCode))
	}
}
