package catalog

import (
	"errors"
	"time"

	"github.com/cenk/backoff"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// SQLSTATE of a transaction aborted by serializable isolation.
const serializationFailure = "40001"

func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == serializationFailure
}

func newRetryBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return b
}

// retrySerializable runs op and repeats it up to maxRetries times while it
// fails with a serialization failure. Any other error is returned at once.
func retrySerializable(b backoff.BackOff, maxRetries int, logger logrus.FieldLogger, op func() error) error {
	b.Reset()
	for attempt := 0; ; attempt++ {
		err := op()
		if err == nil || !isSerializationFailure(err) || attempt >= maxRetries {
			return err
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		logger.WithError(err).Warnf("serialization failure, retrying in %s (attempt %d of %d)", wait, attempt+1, maxRetries)
		time.Sleep(wait)
	}
}
