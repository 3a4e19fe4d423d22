// Package governance holds the runtime safety controls of the export pipeline:
// keyed rate limiting for the submission and webhook endpoints, the engine
// execution timeout, delivery retry classification and the dispatch circuit
// breaker.
//
// Every control supports live reconfiguration so the config watcher can apply
// new limits without restarting the process.
package governance
