package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func RegisterDocs(r *gin.Engine) {
	r.GET("/docs", func(c *gin.Context) {
		c.Header("Content-Type", "text/markdown; charset=utf-8")
		c.String(http.StatusOK, `# syncbridge

Keeps a local copy of third-party SaaS data (Stripe, GitHub, Intercom) in sync through
signed webhooks and resumable background sync jobs.

## Auth

Webhook routes are authenticated by the provider signature.
Every other route under /api requires "Authorization: Bearer <admin token>".
Health and metrics endpoints are public.

## Routes

- POST /webhook/{app_key}
- POST /api/sync                      {app_key, mode?, resource_types?, immediate?}
- GET  /api/sync/jobs
- GET  /api/sync/jobs/{job_id}?include_tasks=true
- POST /api/sync/jobs/{job_id}/cancel
- GET  /api/sync/jobs/{job_id}/watch  (websocket)
- GET  /api/sync/state/{app_key}
- POST /api/worker                    {job_id?, max_tasks?}
- GET  /api/apps/{app_key}
- PUT  /api/apps/{app_key}
- GET  /healthz, /readyz, /metrics
- GET  /swagger/index.html
`)
	})
}
