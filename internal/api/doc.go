// Package api hosts the HTTP control server. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/checkpoints and POST /v1/checkpoints/{stage}/{scope}/reset to
//     inspect and rewind the checkpoint ledger.
//   - GET /v1/history?limit= for the newest history entries.
//   - POST /v1/runs, GET /v1/runs/current and POST /v1/runs/current/stop to
//     drive the single background pipeline run.
//   - GET /v1/events streams live history as newline-delimited JSON.
package api
