package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/semaphore"

	"github.com/sonde-hub/sonde/internal/hub/integration/credentials"
	"github.com/sonde-hub/sonde/internal/hub/probe"
	"github.com/sonde-hub/sonde/internal/obslog"
	"github.com/sonde-hub/sonde/internal/stringutil"
)

var tracer = otel.Tracer("sonde-hub/integration")

const (
	defaultProbeTimeout = 30 * time.Second
	defaultSemWeight    = 8
)

// retryableStatus are the response statuses the executor retries
// transiently before giving up (§4.6).
var retryableStatus = map[int]bool{
	500: true, 502: true, 503: true, 504: true, 408: true, 429: true,
}

var retryBackoff = []time.Duration{250 * time.Millisecond, 1 * time.Second}

// RetryObserver is notified once per transient retry, so the caller can
// feed a metrics collector without this package depending on one.
type RetryObserver func(pack string)

// Executor implements probe.IntegrationDispatch.
type Executor struct {
	registry    *Registry
	credentials credentials.Store
	fetch       FetchFunc
	log         *obslog.Logger
	onRetry     RetryObserver

	semMu sync.Mutex
	sems  map[string]*semaphore.Weighted
}

var _ probe.IntegrationDispatch = (*Executor)(nil)

// NewExecutor constructs an Executor. fetch performs the real outbound HTTP
// call; tests supply a mock.
func NewExecutor(registry *Registry, credStore credentials.Store, fetch FetchFunc, log *obslog.Logger) *Executor {
	return &Executor{
		registry:    registry,
		credentials: credStore,
		fetch:       fetch,
		log:         log,
		sems:        make(map[string]*semaphore.Weighted),
	}
}

// SetRetryObserver wires in a callback invoked once per transient retry.
func (e *Executor) SetRetryObserver(obs RetryObserver) { e.onRetry = obs }

func (e *Executor) semaphoreFor(pack string) *semaphore.Weighted {
	e.semMu.Lock()
	defer e.semMu.Unlock()
	sem, ok := e.sems[pack]
	if !ok {
		sem = semaphore.NewWeighted(defaultSemWeight)
		e.sems[pack] = sem
	}
	return sem
}

// Execute implements probe.IntegrationDispatch (§4.6).
func (e *Executor) Execute(ctx context.Context, probeName string, params interface{}) (probe.Response, error) {
	ctx, span := tracer.Start(ctx, "IntegrationExecutor.Execute", trace.WithAttributes(attribute.String("probe", probeName)))
	defer span.End()

	start := time.Now()

	packName, rest, found := strings.Cut(probeName, ".")
	if !found {
		return errResponse(probeName, "probe name must be <pack>.<rest>", start), nil
	}

	handler, p, ok := e.registry.Lookup(packName, rest)
	if !ok {
		return errResponse(probeName, fmt.Sprintf("no handler registered for probe %s", probeName), start), nil
	}

	sem := e.semaphoreFor(packName)
	if err := sem.Acquire(ctx, 1); err != nil {
		return errResponse(probeName, "concurrency limit: "+err.Error(), start), nil
	}
	defer sem.Release(1)

	timeout := defaultProbeTimeout
	for _, pd := range p.Manifest.Probes {
		if pd.Name == rest && pd.TimeoutMs > 0 {
			timeout = time.Duration(pd.TimeoutMs) * time.Millisecond
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return errResponse(probeName, "marshal params: "+err.Error(), start), nil
	}

	rec, credErr := e.credentials.Get(callCtx, packName)
	var config json.RawMessage
	var secret credentials.Secret
	if credErr == nil {
		config = rec.Config
		secret = rec.Secret
	}

	data, err := e.runWithRetry(callCtx, packName, handler, paramsJSON, config, secret)
	if err != nil {
		return errResponse(probeName, err.Error(), start), nil
	}

	return probe.Response{
		Probe:      probeName,
		Status:     probe.StatusSuccess,
		Data:       data,
		DurationMs: time.Since(start).Milliseconds(),
		Metadata: probe.Metadata{
			AgentVersion:    "hub",
			PackName:        p.Manifest.Name,
			PackVersion:     p.Manifest.Version,
			CapabilityLevel: string(packsCapability(p, rest)),
		},
	}, nil
}

func packsCapability(p *Pack, rest string) string {
	for _, pd := range p.Manifest.Probes {
		if pd.Name == rest {
			return string(pd.Capability)
		}
	}
	return "observe"
}

// runWithRetry invokes handler, retrying transient failures and performing
// one OAuth2 refresh-and-retry on a 401 (§4.6).
func (e *Executor) runWithRetry(ctx context.Context, pack string, handler HandlerFunc, params, config json.RawMessage, secret credentials.Secret) (json.RawMessage, error) {
	refreshedOnce := false

	var lastErr error
	for attempt := 0; attempt <= len(retryBackoff); attempt++ {
		data, err := handler(ctx, params, config, secret, e.fetch)
		if err == nil {
			return data, nil
		}
		lastErr = err

		fe, isFetchErr := err.(*FetchError)
		if !isFetchErr {
			return nil, err
		}

		e.log.Debug("integration fetch failed",
			zap.String("pack", pack),
			zap.Int("status", fe.StatusCode),
			zap.String("body", stringutil.TruncateStringWithEllipsis(string(fe.Body), 256)),
		)

		if fe.StatusCode == 401 && !refreshedOnce && secret.AuthMethod == credentials.AuthOAuth2 && secret.RefreshToken != "" {
			refreshedOnce = true
			if refreshErr := e.refreshOAuth2(ctx, pack, &secret); refreshErr != nil {
				e.log.Warn("oauth2 refresh failed", zap.String("pack", pack), zap.Error(refreshErr))
				return nil, err
			}
			continue
		}

		if !retryableStatus[fe.StatusCode] || attempt >= len(retryBackoff) {
			return nil, err
		}

		if e.onRetry != nil {
			e.onRetry(pack)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryBackoff[attempt]):
		}
	}
	return nil, lastErr
}

// refreshOAuth2 runs the refresh_token grant against secret.TokenURL and
// persists the rotated tokens in place (§4.6).
func (e *Executor) refreshOAuth2(ctx context.Context, pack string, secret *credentials.Secret) error {
	conf := &oauth2.Config{Endpoint: oauth2.Endpoint{TokenURL: secret.TokenURL}}
	ts := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: secret.RefreshToken})
	tok, err := ts.Token()
	if err != nil {
		return fmt.Errorf("refresh token: %w", err)
	}

	secret.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		secret.RefreshToken = tok.RefreshToken
	}
	var expiresAt int64
	if !tok.Expiry.IsZero() {
		secret.ExpiresAt = tok.Expiry
		expiresAt = tok.Expiry.Unix()
	}

	return e.credentials.UpdateAccessToken(ctx, pack, secret.AccessToken, secret.RefreshToken, expiresAt)
}

func errResponse(probeName, msg string, start time.Time) probe.Response {
	data, _ := json.Marshal(map[string]string{"error": msg})
	return probe.Response{
		Probe:      probeName,
		Status:     probe.StatusError,
		Data:       data,
		DurationMs: time.Since(start).Milliseconds(),
	}
}
