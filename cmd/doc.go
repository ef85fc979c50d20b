// Package cmd implements the harvester command line.
//
// Architecture overview:
//   - Queue: tasks (one URL each) live in Redis or in process memory. A dequeue
//     leases a task for queue.visibility_timeout; an unacknowledged lease is
//     redelivered without being charged an attempt. Tasks that exhaust
//     queue.max_attempts move to the dead-letter area once.
//   - Workers: workers.count goroutines each lease a task, borrow the healthiest
//     proxy, wait for a per-domain slot from the adaptive rate controller, fetch,
//     classify the response, and then report the outcome to both the pool and the
//     controller before acking or nacking.
//   - Rate control: each domain's concurrency limit halves when the recent block
//     rate exceeds rate.high_block_rate and grows by rate.additive_step after
//     rate.sustain_cycles clean evaluations.
//   - Persistence: normalized records are upserted into Postgres keyed by
//     (source_domain, external_id) and skipped when the content hash is
//     unchanged. Changes are announced on Pub/Sub; dead-letter samples go to
//     GCS, a local directory, or memory.
//   - Plumbing: Viper reads the config file and HARVESTER_* env overrides, zap
//     logs one structured line per attempt, and Prometheus metrics are served on
//     /metrics next to the /v1 operator API.
//
// Quick checklist:
//   - Run the service: harvester run --config config.yaml
//   - Submit work: harvester enqueue https://shop.example/p/1 ...
//   - Inspect failures: harvester deadletter list; replay with harvester deadletter replay.
package cmd
