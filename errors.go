package checkpointcams

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownCheckpoint   = errors.New("unknown checkpoint")
	ErrNoImageAvailable    = errors.New("no image available")
	ErrImageDownloadFailed = errors.New("image download failed")
	ErrNetwork             = errors.New("network error")
	ErrImageTooLarge       = errors.New("image exceeds size limit")
)

// NetworkError is a transport failure, timeout or non-2xx response from the
// upstream API or an image host.
type NetworkError struct {
	URL        string
	StatusCode int // zero when no response was received
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("GET %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrNetwork}
	}
	return []error{ErrNetwork, e.Err}
}

// ErrorKind classifies why a checkpoint could not be resolved.
type ErrorKind int

const (
	KindUnknownCheckpoint ErrorKind = iota + 1
	KindNoImageAvailable
	KindImageDownloadFailed
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnknownCheckpoint:
		return "unknown_checkpoint"
	case KindNoImageAvailable:
		return "no_image_available"
	case KindImageDownloadFailed:
		return "image_download_failed"
	default:
		return "unknown"
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindUnknownCheckpoint:
		return ErrUnknownCheckpoint
	case KindNoImageAvailable:
		return ErrNoImageAvailable
	case KindImageDownloadFailed:
		return ErrImageDownloadFailed
	default:
		return nil
	}
}

// ResolutionError is returned by Resolver for every failed resolution.
// errors.Is matches the kind's sentinel and errors.As reaches Cause.
type ResolutionError struct {
	Kind       ErrorKind
	Checkpoint string
	Cause      error
}

func (e *ResolutionError) Error() string {
	msg := fmt.Sprintf("checkpoint %q: %v", e.Checkpoint, e.Kind.sentinel())
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ResolutionError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := e.Kind.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// Retryable reports whether trying again can succeed. Unknown checkpoints
// never will.
func (e *ResolutionError) Retryable() bool {
	return e.Kind != KindUnknownCheckpoint
}
