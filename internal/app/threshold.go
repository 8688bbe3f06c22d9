package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type thresholdPayload struct {
	Threshold decimal.Decimal `json:"threshold"`
	Status    string          `json:"status,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// GetThreshold reads the threshold from a running instance.
func (a *App) GetThreshold(ctx context.Context, apiURL string) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.thresholdURL(apiURL), nil)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("create threshold request: %w", err)
	}
	payload, err := doThresholdRequest(req)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return payload.Threshold, nil
}

// SetThreshold updates the threshold of a running instance.
func (a *App) SetThreshold(ctx context.Context, apiURL string, value decimal.Decimal) (decimal.Decimal, error) {
	body, err := json.Marshal(map[string]json.Number{"threshold": json.Number(value.String())})
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("marshal threshold: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.thresholdURL(apiURL), bytes.NewReader(body))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("create threshold request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	payload, err := doThresholdRequest(req)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return payload.Threshold, nil
}

func (a *App) thresholdURL(apiURL string) string {
	if apiURL == "" {
		apiURL = localAPIURL(a.Config.API.Address)
	}
	return strings.TrimRight(apiURL, "/") + "/api/threshold"
}

// localAPIURL turns a listen address such as ":3000" into a dialable URL.
func localAPIURL(address string) string {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return "http://" + address
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func doThresholdRequest(req *http.Request) (thresholdPayload, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return thresholdPayload{}, fmt.Errorf("call threshold api: %w", err)
	}
	defer resp.Body.Close()

	var payload thresholdPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return thresholdPayload{}, fmt.Errorf("decode threshold response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return payload, fmt.Errorf("threshold api returned %d: %s", resp.StatusCode, payload.Error)
	}
	return payload, nil
}
