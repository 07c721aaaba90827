package throttler

// AcquirePolicy is an admission capability consulted before quota is
// consumed. It replaces subclass-style overriding of the acquire path:
// custom limiting behavior is injected into the pipeline as a value
// instead of being welded to a concrete throttler implementation.
type AcquirePolicy interface {
	// CanAcquire reports whether the request may proceed to the throttler
	// at all. Returning false denies the request without consuming quota.
	CanAcquire(request AcquisitionRequest) bool
}

// AcquirePolicyFunc adapts a plain function to an AcquirePolicy.
type AcquirePolicyFunc func(request AcquisitionRequest) bool

func (f AcquirePolicyFunc) CanAcquire(request AcquisitionRequest) bool {
	return f(request)
}
