package github

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sonde-hub/sonde/internal/hub/integration"
	"github.com/sonde-hub/sonde/internal/hub/integration/credentials"
)

func bearerCreds(token string) credentials.Secret {
	return credentials.Secret{AuthMethod: credentials.AuthBearer, BearerToken: token}
}

func TestIssuesHandlerSuccess(t *testing.T) {
	pack := New()
	handler := pack.Handlers["issues"]

	var gotURL string
	var gotHeaders map[string]string
	fetch := func(ctx context.Context, method, url string, headers map[string]string, body []byte) (*integration.FetchResponse, error) {
		gotURL = url
		gotHeaders = headers
		return &integration.FetchResponse{StatusCode: 200, Body: []byte(`[{"number":1},{"number":2}]`)}, nil
	}

	params, _ := json.Marshal(issuesParams{Owner: "acme", Repo: "widgets"})
	raw, err := handler(context.Background(), params, nil, bearerCreds("tok-123"), fetch)
	require.NoError(t, err)

	var out struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, 2, out.Count)
	assert.Contains(t, gotURL, "/repos/acme/widgets/issues?state=open")
	assert.Equal(t, "Bearer tok-123", gotHeaders["Authorization"])
}

func TestIssuesHandlerRequiresOwnerAndRepo(t *testing.T) {
	pack := New()
	handler := pack.Handlers["issues"]
	_, err := handler(context.Background(), nil, nil, bearerCreds("tok"), nil)
	assert.Error(t, err)
}

func TestIssuesHandlerMissingCredentials(t *testing.T) {
	pack := New()
	handler := pack.Handlers["issues"]
	params, _ := json.Marshal(issuesParams{Owner: "acme", Repo: "widgets"})
	_, err := handler(context.Background(), params, nil, credentials.Secret{}, nil)
	assert.Error(t, err)
}

func TestIssuesHandlerNonSuccessStatusReturnsFetchError(t *testing.T) {
	pack := New()
	handler := pack.Handlers["issues"]
	fetch := func(ctx context.Context, method, url string, headers map[string]string, body []byte) (*integration.FetchResponse, error) {
		return &integration.FetchResponse{StatusCode: 401, Body: []byte(`{"message":"Bad credentials"}`)}, nil
	}
	params, _ := json.Marshal(issuesParams{Owner: "acme", Repo: "widgets"})
	_, err := handler(context.Background(), params, nil, bearerCreds("tok"), fetch)
	require.Error(t, err)
	fe, ok := err.(*integration.FetchError)
	require.True(t, ok)
	assert.Equal(t, 401, fe.StatusCode)
}

func TestEvaluateRateLimitCriticalBelowTenPercent(t *testing.T) {
	data, _ := json.Marshal(map[string]interface{}{
		"resources": map[string]interface{}{"core": map[string]interface{}{"remaining": 4, "limit": 100}},
	})
	severity, _, ok := evaluateRateLimit(data)
	assert.True(t, ok)
	assert.Equal(t, "critical", severity)
}

func TestEvaluateRateLimitHealthy(t *testing.T) {
	data, _ := json.Marshal(map[string]interface{}{
		"resources": map[string]interface{}{"core": map[string]interface{}{"remaining": 90, "limit": 100}},
	})
	_, _, ok := evaluateRateLimit(data)
	assert.False(t, ok)
}
