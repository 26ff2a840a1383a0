package health

import (
	"context"
	"net/http"
	"time"

	"github.com/corray333/backend-labs/saga/internal/transport/http/v1/converters"
)

// Check reports whether one dependency is usable.
type Check struct {
	Name  string
	Check func(ctx context.Context) error
}

type response struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// Health runs every check and answers 200 when all pass, 503 otherwise.
func Health(w http.ResponseWriter, r *http.Request, service string, checks []Check) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := response{Status: "healthy", Service: service}
	status := http.StatusOK

	for _, c := range checks {
		if resp.Checks == nil {
			resp.Checks = make(map[string]string, len(checks))
		}
		if err := c.Check(ctx); err != nil {
			resp.Checks[c.Name] = err.Error()
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable

			continue
		}
		resp.Checks[c.Name] = "ok"
	}

	converters.WriteJSON(w, status, resp)
}
