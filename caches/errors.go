package caches

import (
	"errors"
	"fmt"
)

type ValidationError struct {
	Reason string
}

func (ve ValidationError) Error() string {
	return fmt.Sprintf("creation of cache failed for reason : %s ", ve.Reason)
}

func (ve ValidationError) Is(target error) bool {
	return target == ErrValidation
}

var (
	ErrCacheItemExpired = errors.New("cache item expired")
	ErrValidation       = errors.New("invalid cache configuration")
)
