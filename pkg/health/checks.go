// Package health reports whether the hive server can do its job: the store
// answers and both reconcilers have swept recently.
package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/opszero/hive/pkg/reconciler"
)

// StaleAfterIntervals is how many missed intervals make a reconciler stale.
const StaleAfterIntervals = 3

type Pinger interface {
	Ping(ctx context.Context) error
}

// Reconciler is the part of reconciler.Runner the checker reads.
type Reconciler interface {
	Status() reconciler.Status
}

type ReconcilerStatus struct {
	Name        string     `json:"name"`
	Healthy     bool       `json:"healthy"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

type HealthStatus struct {
	Healthy        bool               `json:"healthy"`
	StoreReachable bool               `json:"store_reachable"`
	Reconcilers    []ReconcilerStatus `json:"reconcilers"`
	CheckedAt      time.Time          `json:"checked_at"`
	Issues         []string           `json:"issues,omitempty"`
}

type Checker struct {
	store       Pinger
	reconcilers []Reconciler
	now         func() time.Time
	startedAt   time.Time
	pingTimeout time.Duration
}

func NewChecker(store Pinger, now func() time.Time, reconcilers ...Reconciler) *Checker {
	if now == nil {
		now = time.Now
	}
	return &Checker{
		store:       store,
		reconcilers: reconcilers,
		now:         now,
		startedAt:   now(),
		pingTimeout: 2 * time.Second,
	}
}

func (c *Checker) Check(ctx context.Context) *HealthStatus {
	now := c.now()
	status := &HealthStatus{Healthy: true, CheckedAt: now.UTC(), Reconcilers: []ReconcilerStatus{}}

	pingCtx, cancel := context.WithTimeout(ctx, c.pingTimeout)
	defer cancel()
	if err := c.store.Ping(pingCtx); err != nil {
		status.Healthy = false
		status.Issues = append(status.Issues, fmt.Sprintf("store unreachable: %v", err))
	} else {
		status.StoreReachable = true
	}

	for _, r := range c.reconcilers {
		rs := r.Status()
		entry := ReconcilerStatus{Name: rs.Name, Healthy: true, LastError: rs.LastError}

		// A reconciler that has never succeeded is measured from startup.
		since := c.startedAt
		if !rs.LastSuccess.IsZero() {
			last := rs.LastSuccess
			entry.LastSuccess = &last
			since = last
		}
		if limit := StaleAfterIntervals * rs.Interval; limit > 0 && now.Sub(since) > limit {
			entry.Healthy = false
			status.Healthy = false
			status.Issues = append(status.Issues, fmt.Sprintf("%s reconciler has not succeeded in %s", rs.Name, now.Sub(since).Round(time.Second)))
		}
		status.Reconcilers = append(status.Reconcilers, entry)
	}

	return status
}

// ProbeServer calls the server's health endpoint and fails unless it
// answers 200.
func ProbeServer(ctx context.Context, client *http.Client, serverURL string) error {
	url := strings.TrimRight(serverURL, "/") + "/v1/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server unhealthy: %d", resp.StatusCode)
	}
	return nil
}
