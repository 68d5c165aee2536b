package account

import (
	"errors"
	"time"

	"github.com/amlume/identity/repository"
)

// maxOptimisticRetries and retryBackoffUnit bound the retry loop
// (3 attempts, 50ms * attempt backoff) for every operation that
// updates a single row through repository.ErrVersionConflict.
const (
	maxOptimisticRetries = 3
	retryBackoffUnit     = 50 * time.Millisecond
)

// retryOnVersionConflict runs op up to maxOptimisticRetries times,
// sleeping attempt*retryBackoffUnit between attempts, stopping as soon
// as op returns a nil or non-conflict error.
func retryOnVersionConflict(op func() error) error {
	var err error
	for attempt := 1; attempt <= maxOptimisticRetries; attempt++ {
		err = op()
		if err == nil || !errors.Is(err, repository.ErrVersionConflict) {
			return err
		}
		if attempt < maxOptimisticRetries {
			time.Sleep(time.Duration(attempt) * retryBackoffUnit)
		}
	}
	return err
}
