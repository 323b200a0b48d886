package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/jacklau/repocache/internal/retry"
)

// webhookAttempts bounds delivery attempts per report.
const webhookAttempts = 2

// postJSON delivers body to url, retrying transport failures and 5xx
// responses once. Other non-2xx responses are final.
func postJSON(ctx context.Context, client *http.Client, service, url string, body []byte) error {
	return retry.Do(ctx, webhookAttempts, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(fmt.Errorf("creating request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("sending request: %w", err)
		}
		defer func() {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			err := fmt.Errorf("%s webhook returned %d: %s", service, resp.StatusCode, string(respBody))
			if resp.StatusCode < 500 {
				return retry.Permanent(err)
			}
			return err
		}
		return nil
	})
}
