package core

import (
	"context"
	"net/http"
	"time"
)

// healthCheckTimeout bounds the database ping so the health endpoint stays
// fast even when the pool is wedged.
const healthCheckTimeout = 2 * time.Second

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

// HandleHealth reports service liveness and database connectivity. A failed
// ping degrades the response to 503 so load balancers rotate the instance
// out.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Database: "ok"}
	status := http.StatusOK

	if s.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		if err := s.DB.Ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.Database = "unreachable"
			status = http.StatusServiceUnavailable
		}
	}

	JSON(w, r, status, resp)
}
