// Package api hosts the operator HTTP server. Notable routes:
//   - GET /healthz and /readyz for probes; readyz pings the queue and stores.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/proxies and /v1/domains for proxy health and rate state.
//   - POST /v1/tasks to enqueue URLs.
//   - GET /v1/deadletter and POST /v1/deadletter/replay for dead-letter triage.
//   - GET /v1/records/{domain}/{external_id} for the latest stored record.
package api
