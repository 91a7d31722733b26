package resilience

import (
	"fmt"
	"net/http"
)

// HTTPDoer is the subset of *http.Client used by provider clients
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// BreakerClient sends upstream provider calls through a circuit breaker.
// Server errors and quota rejections count against the breaker, but the
// response still reaches the caller so it can apply its own fail mode.
type BreakerClient struct {
	next HTTPDoer
	cb   *CircuitBreaker
}

func NewBreakerClient(next HTTPDoer, cb *CircuitBreaker) *BreakerClient {
	return &BreakerClient{next: next, cb: cb}
}

// Breaker exposes the circuit for health reporting
func (c *BreakerClient) Breaker() *CircuitBreaker { return c.cb }

func (c *BreakerClient) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := c.cb.Execute(func() error {
		var err error
		if resp, err = c.next.Do(req); err != nil {
			return err
		}
		if tripsBreaker(resp.StatusCode) {
			return fmt.Errorf("%s answered HTTP %d", req.URL.Host, resp.StatusCode)
		}
		return nil
	})
	if err != nil && resp != nil && tripsBreaker(resp.StatusCode) {
		return resp, nil
	}
	return resp, err
}

func tripsBreaker(status int) bool {
	return status >= http.StatusInternalServerError || status == http.StatusTooManyRequests
}
