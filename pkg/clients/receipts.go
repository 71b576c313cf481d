package clients

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// ReceiptsClient writes execution receipts to the receipts service.
type ReceiptsClient struct {
	http   *httpClient
	logger *slog.Logger
}

func NewReceiptsClient(baseURL string, opts ...Option) *ReceiptsClient {
	return &ReceiptsClient{
		http:   newHTTPClient("receipts", baseURL, opts...),
		logger: slog.Default().With("component", "receipts-client"),
	}
}

// Write persists one receipt and returns the stored record. The
// service may name the id either "receipt_id" or "id".
func (c *ReceiptsClient) Write(ctx context.Context, payload map[string]any, tenantID uuid.UUID) (*Receipt, error) {
	var out map[string]any
	if err := c.http.do(ctx, "POST", "/v1/receipts", tenantID.String(), payload, &out); err != nil {
		return nil, err
	}

	id, _ := out["receipt_id"].(string)
	if id == "" {
		id, _ = out["id"].(string)
	}
	if id == "" {
		return nil, fmt.Errorf("receipts: response carried no receipt id")
	}
	c.logger.Info("receipt written", "receipt_id", id, "tenant_id", tenantID)
	return &Receipt{ReceiptID: id, Fields: out}, nil
}
