package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

var ErrHealthCheckTimeout = errors.New("health check timed out")

// Expected status literals. A 200 response whose status field carries any
// other value is a failed attempt, not a success.
const (
	StatusHealthy = "healthy"
	StatusReady   = "ready"
)

const (
	defaultMaxAttempts  = 24
	defaultWaitInterval = 10 * time.Second
)

// Response is the body contract of the application's status endpoints.
type Response struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// Result describes a passing health check.
type Result struct {
	Attempts        int
	ObservedVersion string
	// VersionMatch is false when an expected version was supplied and the
	// endpoint reported a different one. Reported for visibility only; it
	// never fails the health gate.
	VersionMatch bool
}

// Checker polls an HTTP status endpoint until it reports the expected status
// or the attempt budget is exhausted.
type Checker struct {
	client       *http.Client
	clock        clock.Clock
	log          logrus.FieldLogger
	MaxAttempts  int
	WaitInterval time.Duration
}

// NewChecker constructs a checker with default attempt budget and interval.
func NewChecker(log logrus.FieldLogger) *Checker {
	return &Checker{
		client:       &http.Client{Timeout: 10 * time.Second},
		clock:        clock.New(),
		log:          log,
		MaxAttempts:  defaultMaxAttempts,
		WaitInterval: defaultWaitInterval,
	}
}

// WithClock overrides the checker's time source, for tests.
func (c *Checker) WithClock(cl clock.Clock) *Checker {
	c.clock = cl
	return c
}

// Check polls url until the response body's status field equals expectedStatus.
// An attempt fails on transport error, non-2xx response, or any other status
// value. Returns ErrHealthCheckTimeout once all attempts are exhausted.
func (c *Checker) Check(ctx context.Context, url, expectedStatus, expectedVersion string) (*Result, error) {
	var lastFailure string
	for attempt := 1; attempt <= c.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, failure := c.attempt(ctx, url, expectedStatus)
		if failure == "" {
			result := &Result{
				Attempts:        attempt,
				ObservedVersion: resp.Version,
				VersionMatch:    expectedVersion == "" || resp.Version == expectedVersion,
			}
			if !result.VersionMatch {
				c.log.WithFields(logrus.Fields{
					"expected_version": expectedVersion,
					"observed_version": resp.Version,
				}).Warn("endpoint healthy but reports a different version")
			}
			c.log.WithFields(logrus.Fields{"url": url, "attempts": attempt}).Info("health check passed")
			return result, nil
		}

		lastFailure = failure
		c.log.WithFields(logrus.Fields{
			"url":     url,
			"attempt": attempt,
			"reason":  failure,
		}).Debug("health check attempt failed")

		if attempt < c.MaxAttempts {
			c.clock.Sleep(c.WaitInterval)
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %s", ErrHealthCheckTimeout, c.MaxAttempts, lastFailure)
}

func (c *Checker) attempt(ctx context.Context, url, expectedStatus string) (*Response, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Sprintf("building request: %v", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Sprintf("transport error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Sprintf("unexpected HTTP status %d", resp.StatusCode)
	}

	var body Response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Sprintf("decoding response: %v", err)
	}
	if body.Status != expectedStatus {
		return nil, fmt.Sprintf("status %q, want %q", body.Status, expectedStatus)
	}
	return &body, ""
}
