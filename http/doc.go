// Package http is the outbound side of reqlog: a REST client and an
// http.RoundTripper that audit failed calls and can replay them.
//
// Auditing
//   - Only calls whose context carries a scope (see package scope) are
//     classified; everything else passes straight through.
//   - The REST client classifies the final outcome of a call, after in-call
//     retries, as origin rest_client. Transport audits every round trip as
//     origin net_http. Do not combine both on one client or calls are
//     recorded twice.
//   - Sink errors are logged and never change what the caller receives.
//
// Replay
//   - Client.Replay builds the request from a replay.Descriptor, adds the
//     X-Request-Log-Retry marker header and sends it once. Request
//     interceptors run; default headers and basic auth do not.
//   - Replays are never audited themselves. Pass the result to
//     replay.Persist to update the retry job and store the attempt.
//
// In-call retries
//   - Builder.WithRetries(maxRetries, retryDelay) retries transport errors,
//     timeouts and 5xx responses. 4xx responses and interceptor errors are
//     returned immediately.
//   - Delays grow as retryDelay * 2^attempt with full jitter, capped at 30s,
//     and stop early when the context ends.
package http
