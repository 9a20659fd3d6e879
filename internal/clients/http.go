// Package clients holds thin HTTP clients for the external AI and build
// services. Failures carry the upstream status code so callers can decide
// whether a retry is worth it.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/jobindev25/tech-co-founder-sub000/internal/faults"
)

func doJSON(ctx context.Context, hc *http.Client, op, method, url, apiKey string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return &faults.ExternalError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &faults.ExternalError{Op: op, Status: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(b)))}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &faults.ExternalError{Op: op, Status: resp.StatusCode, Err: err}
		}
	}
	return nil
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
