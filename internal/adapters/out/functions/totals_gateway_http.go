// internal/adapters/out/functions/totals_gateway_http.go
package functions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
	"go.uber.org/zap"

	"marketsync/internal/application/engine"
)

// TotalsGatewayHTTP calls the callable-function gateway that computes
// cart totals and checkout validation.
//
// A short-lived failure memo suppresses repeated calls to a gateway
// that just failed; within the memo window callers get an immediate
// error and the engine serves its degraded result.
type TotalsGatewayHTTP struct {
	client  *http.Client
	baseURL string
	apiKey  string

	failures *expiremap.ExpireMap[string, time.Time]
}

// NewTotalsGatewayHTTP は totals gateway 用の HTTP client を生成します。
// failureMemo の間、直前に失敗した endpoint への再呼び出しを抑制します。
func NewTotalsGatewayHTTP(baseURL, apiKey string, failureMemo time.Duration) *TotalsGatewayHTTP {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if failureMemo <= 0 {
		failureMemo = 30 * time.Second
	}

	return &TotalsGatewayHTTP{
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
		baseURL:  baseURL,
		apiKey:   apiKey,
		failures: expiremap.NewEx[string, time.Time](failureMemo, failureMemo),
	}
}

var _ engine.TotalsGateway = (*TotalsGatewayHTTP)(nil)

func (g *TotalsGatewayHTTP) CalculateTotals(ctx context.Context, ownerID string, itemIDs []string) (engine.TotalsResult, error) {
	var out engine.TotalsResult
	payload := map[string]any{
		"ownerId": ownerID,
		"itemIds": itemIDs,
	}
	if err := g.call(ctx, "/calculateTotals", payload, &out); err != nil {
		return engine.TotalsResult{}, err
	}
	return out, nil
}

func (g *TotalsGatewayHTTP) ValidateCheckout(ctx context.Context, ownerID string, lines []engine.CheckoutLine) (engine.ValidationResult, error) {
	var out engine.ValidationResult
	payload := map[string]any{
		"ownerId": ownerID,
		"items":   lines,
	}
	if err := g.call(ctx, "/validateCheckout", payload, &out); err != nil {
		return engine.ValidationResult{}, err
	}
	return out, nil
}

func (g *TotalsGatewayHTTP) call(ctx context.Context, path string, payload any, out any) error {
	if g.baseURL == "" {
		return fmt.Errorf("totals gateway: baseURL not configured")
	}
	if _, failing := g.failures.Load(path); failing {
		return fmt.Errorf("totals gateway: %s recently failed, backing off", path)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("totals gateway: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("totals gateway: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		g.memoFailure(path, err)
		return fmt.Errorf("totals gateway: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("totals gateway: status=%d body=%s", resp.StatusCode, string(raw))
		g.memoFailure(path, err)
		return err
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("totals gateway: decode response: %w", err)
	}
	return nil
}

func (g *TotalsGatewayHTTP) memoFailure(path string, err error) {
	zap.S().Warnf("totals gateway failure path=%s err=%v", path, err)
	g.failures.Set(path, time.Now())
}
