// Package extract holds the core types, interfaces, and sentinel errors shared
// by the extraction pipeline.
//
// A Task travels from the durable Queue to a worker, which checks out a proxy
// (ProxyPool), waits for a per-domain slot (RateLimiter), fetches the target,
// classifies the response (Classifier), and on success normalizes the payload
// and writes it through a RecordStore. Every attempt yields exactly one
// Outcome, reported to both the ProxyPool and the RateLimiter.
package extract
