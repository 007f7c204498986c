package terminology

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/amr-classifier-server/internal/domain"
)

// OracleResult is the oracle's answer for one (system, code, display).
type OracleResult struct {
	Valid        bool   `json:"valid"`
	CanonicalKey string `json:"canonicalKey,omitempty"`
	Display      string `json:"display,omitempty"`
}

// Oracle validates coded designators against an external terminology
// service. Optional: a nil Oracle means offline-only normalization.
type Oracle interface {
	ValidateCode(ctx context.Context, system, code, display string) (*OracleResult, error)
}

// HTTPOracleConfig configures the FHIR terminology client.
type HTTPOracleConfig struct {
	BaseURL   string
	Timeout   time.Duration
	RateLimit int // requests per second, 0 disables limiting
}

// HTTPOracle calls a FHIR terminology server's CodeSystem/$validate-code
// operation. Calls are rate limited and guarded by a circuit breaker so
// a failing server degrades to offline normalization instead of stalling
// classification.
type HTTPOracle struct {
	logger  *logrus.Logger
	cfg     HTTPOracleConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// NewHTTPOracle creates an oracle client for the configured server.
func NewHTTPOracle(logger *logrus.Logger, cfg HTTPOracleConfig) *HTTPOracle {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit)
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "TerminologyOracle",
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Terminology oracle circuit breaker state change")
		},
	})
	return &HTTPOracle{
		logger:  logger,
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		limiter: limiter,
	}
}

// fhir Parameters resource, reduced to what $validate-code returns.
type fhirParameters struct {
	Parameter []struct {
		Name         string  `json:"name"`
		ValueBoolean *bool   `json:"valueBoolean,omitempty"`
		ValueString  *string `json:"valueString,omitempty"`
	} `json:"parameter"`
}

// ValidateCode issues CodeSystem/$validate-code with a per-call timeout.
// Returns domain.ErrOracleUnavailable (wrapped) when the server cannot be
// reached or the breaker is open; callers degrade to offline tables.
func (o *HTTPOracle) ValidateCode(ctx context.Context, system, code, display string) (*OracleResult, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limit wait: %v", domain.ErrOracleUnavailable, err)
		}
	}

	result, err := o.breaker.Execute(func() (interface{}, error) {
		return o.validateCodeOnce(ctx, system, code, display)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("%w: circuit breaker open", domain.ErrOracleUnavailable)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrOracleUnavailable, err)
	}
	return result.(*OracleResult), nil
}

func (o *HTTPOracle) validateCodeOnce(ctx context.Context, system, code, display string) (*OracleResult, error) {
	params := url.Values{}
	params.Set("url", system)
	params.Set("code", code)
	if display != "" {
		params.Set("display", display)
	}

	endpoint := fmt.Sprintf("%s/CodeSystem/$validate-code?%s", o.cfg.BaseURL, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/fhir+json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("terminology server returned %d", resp.StatusCode)
	}

	var parsed fhirParameters
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding $validate-code response: %w", err)
	}

	out := &OracleResult{Display: display}
	for _, p := range parsed.Parameter {
		switch p.Name {
		case "result":
			if p.ValueBoolean != nil {
				out.Valid = *p.ValueBoolean
			}
		case "display":
			if p.ValueString != nil {
				out.Display = *p.ValueString
			}
		}
	}
	if out.Valid && out.Display != "" {
		out.CanonicalKey = out.Display
	}
	return out, nil
}
