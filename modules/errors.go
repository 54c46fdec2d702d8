package modules

import "github.com/NebulousLabs/errors"

// ErrDeviceFault is an error that is usually extended to indicate that an
// error originates from the storage device rather than from misuse of the
// cache's API.
var ErrDeviceFault = errors.New("")

// IsDeviceFault indicates if a returned error is the device's fault.
func IsDeviceFault(err error) bool {
	return errors.Contains(err, ErrDeviceFault)
}

// Sentinel control-flow errors returned by the zone state manager's
// AcquireActive, per spec.md §4.2 / §7. These are not failures in the usual
// sense: Retry and Evict tell the caller exactly what to do next.
var (
	// ErrRetry indicates the active-zone queue is empty but the active-zone
	// budget (writes in progress + active queue) is saturated; the caller
	// should yield and try again shortly.
	ErrRetry = errors.New("zone state manager: no active zone available, retry")

	// ErrEvict indicates both the active and free queues are empty; the
	// caller must run foreground eviction before retrying.
	ErrEvict = errors.New("zone state manager: no active or free zone available, evict first")
)

// IsRetry indicates AcquireActive wants the caller to yield and try again.
func IsRetry(err error) bool {
	return errors.Contains(err, ErrRetry)
}

// IsEvict indicates AcquireActive wants the caller to run foreground
// eviction before trying again.
func IsEvict(err error) bool {
	return errors.Contains(err, ErrEvict)
}

// Sentinel errors surfaced by the cachemap and cache facade.
var (
	// ErrNoSuchId is returned by operations that require a Pending slot to
	// already exist for an id (e.g. Publish) but find none.
	ErrNoSuchId = errors.New("cachemap: no pending slot for id")

	// ErrWriteFailed is composed with the device error and logged by the
	// cache facade's Get when the sequential write of a fetched chunk fails;
	// Get itself then returns a nil buffer.
	ErrWriteFailed = errors.New("cache: write to zone failed")
)
