package subaru

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"
)

// diagnosticClient consults an external advisory service when an operation
// fails in a way the classifier cannot name. The service is best-effort by
// contract: any transport, status, or decode problem is treated as
// "no suggestion" and never surfaces to the caller.
type diagnosticClient struct {
	endpoint string
	client   *http.Client
}

type diagnosticRequest struct {
	Operation string   `json:"operation"`
	Error     string   `json:"error"`
	History   []string `json:"history,omitempty"`
}

type diagnosticResponse struct {
	Suggestion string `json:"suggestion"`
}

// newDiagnosticClient returns nil when no endpoint is configured; a nil
// advisor simply means the unclassified branch skips consultation.
func newDiagnosticClient(endpoint string) *diagnosticClient {
	if endpoint == "" {
		return nil
	}
	return &diagnosticClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *diagnosticClient) Suggest(op, errText string, history []string) (string, bool) {
	body, err := json.Marshal(diagnosticRequest{
		Operation: op,
		Error:     errText,
		History:   history,
	})
	if err != nil {
		return "", false
	}

	resp, err := d.client.Post(d.endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		debugf("diagnostic service unreachable: %v\n", err)
		return "", false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		debugf("diagnostic service returned %d\n", resp.StatusCode)
		return "", false
	}

	var out diagnosticResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", false
	}
	if out.Suggestion == "" {
		return "", false
	}
	return out.Suggestion, true
}
