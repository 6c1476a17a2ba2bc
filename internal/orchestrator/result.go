package orchestrator

// Result is the outcome of one Run invocation. Text always carries whatever
// assistant content was accumulated, even when err is non-nil, so a caller
// that only wants best-effort output never needs to type-assert the error.
//
// This is the Go expression of spec §9's "Ok(text) | Cancelled(partial) |
// Failed(kind, detail)" boundary contract: Cancelled and Failed are carried
// as the returned error (a *endpoint.Cancelled, *RoundLimitExceeded,
// *endpoint.TimeoutError, *endpoint.EndpointError, or
// *endpoint.ConnectionError), distinguishable with errors.As, while
// Result.Text/Cancelled give the common case a non-error-shaped read. Run
// returns endpoint client errors as the client produced them; it does not
// wrap them in *LMStudioError, so an error the client leaves unclassified
// (e.g. a malformed request URL) reaches the caller as a plain error.
type Result struct {
	// Text is the final assistant answer on success, or the partial
	// accumulator when Cancelled is true.
	Text string

	// Cancelled is true iff the invocation ended because the caller's
	// cancellation flag was observed. err will be a *endpoint.Cancelled in
	// that case.
	Cancelled bool
}
