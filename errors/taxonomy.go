package errors

import (
	"errors"
)

// Sentinel errors for the tag-stream error taxonomy. The Wrap* helpers below
// map them onto the general-purpose ErrorClass: ConfigError classifies as
// ErrorInvalid, StreamError and Overflow as ErrorTransient, and
// MeasurementFatal as ErrorFatal. AbortRequested and Timeout have no wrapper;
// callers check them explicitly with IsAbortRequested and IsTimeout (as bare
// sentinels, Classify reports both as ErrorTransient).
var (
	// ErrConfigError is raised at Measurement construction for an invalid
	// channel or out-of-range parameter. The Measurement is never attached.
	ErrConfigError = errors.New("config error")

	// ErrStreamError marks a global-time discontinuity following an Error tag
	// in the stream. Measurements must treat the following interval as
	// discontinuous until the next fence.
	ErrStreamError = errors.New("stream error: global time reference invalid")

	// ErrOverflow marks tags or bins affected by an OverflowBegin/End bracket.
	ErrOverflow = errors.New("overflow region")

	// ErrAbortRequested is the distinguished sentinel a Measurement's
	// next_impl (measurement.Hooks.NextImpl) returns to unwind cleanly after abort() is called:
	// a sum-typed result rather than an unwinding exception.
	ErrAbortRequested = errors.New("abort requested")

	// ErrMeasurementFatal marks any error inside next_impl other than
	// ErrAbortRequested: the Measurement is detached, the error surfaced,
	// and the Dispatcher continues with the remaining Measurements.
	ErrMeasurementFatal = errors.New("measurement fatal error")

	// ErrTimeout is returned by wait_* style calls given a positive timeout
	// that elapses before the awaited condition is observed.
	ErrTimeout = errors.New("timeout")
)

// WrapConfig wraps err as a ConfigError, raised to the caller at Measurement
// construction time; the Measurement is never attached to the Dispatcher.
func WrapConfig(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, joinSentinel(wrapped, ErrConfigError), component, method, wrapped.Error())
}

// WrapStream wraps err as a StreamError: a stream-level Error tag invalidating
// the global time reference until the next fence.
func WrapStream(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, joinSentinel(wrapped, ErrStreamError), component, method, wrapped.Error())
}

// WrapOverflow wraps err as an Overflow condition affecting the current
// OverflowBegin/End bracket.
func WrapOverflow(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, joinSentinel(wrapped, ErrOverflow), component, method, wrapped.Error())
}

// WrapMeasurementFatal wraps err as the fatal case: any error inside
// next_impl other than AbortRequested.
func WrapMeasurementFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, joinSentinel(wrapped, ErrMeasurementFatal), component, method, wrapped.Error())
}

// joinSentinel lets errors.Is(result, sentinel) succeed without discarding
// the wrapped context, using the stdlib multi-error join.
func joinSentinel(wrapped, sentinel error) error {
	return errors.Join(wrapped, sentinel)
}

// IsAbortRequested reports whether err is (or wraps) ErrAbortRequested.
func IsAbortRequested(err error) bool {
	return errors.Is(err, ErrAbortRequested)
}

// IsTimeout reports whether err is (or wraps) ErrTimeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
