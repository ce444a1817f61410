package notify

import (
	"context"
	"errors"
)

// Fanout publishes to several dispatchers. Every dispatcher is tried; the
// errors of those that failed are joined.
type Fanout []Dispatcher

func (f Fanout) Publish(ctx context.Context, n Notification) error {
	var errs []error
	for _, d := range f {
		if err := d.Publish(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
