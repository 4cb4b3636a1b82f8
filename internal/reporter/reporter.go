package reporter

import (
	"time"

	"github.com/getsentry/sentry-go"
)

// Reporter forwards errors that need a human to look at them.
type Reporter interface {
	Report(err error, tags map[string]string)
}

type Sentry struct{}

// Init configures the global sentry hub. An empty DSN yields a Nop reporter.
func Init(dsn, environment, release string) (Reporter, error) {
	if dsn == "" {
		return Nop{}, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     release,
	})
	if err != nil {
		return nil, err
	}
	return Sentry{}, nil
}

func (Sentry) Report(err error, tags map[string]string) {
	if err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		sentry.CaptureException(err)
	})
}

// Flush buffered events before the program terminates.
func Flush() {
	sentry.Flush(2 * time.Second)
}

type Nop struct{}

func (Nop) Report(error, map[string]string) {}
