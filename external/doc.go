// Package external bridges non-native agents into the mesh over HTTP. The
// adapter POSTs the message envelope to the agent's webhook and expects the
// same shape back, guarding every call with a circuit breaker and bounded
// retries. A failing external agent never surfaces an error to its caller:
// the adapter substitutes a clearly tagged fallback message instead.
package external
