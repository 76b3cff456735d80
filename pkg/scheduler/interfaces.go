package scheduler

//go:generate mockgen -destination=mock_scheduler.go -package=scheduler github.com/carverauto/fleetwatch/pkg/scheduler Clock,Ticker

import "time"

// Clock abstracts time-related operations.
type Clock interface {
	Now() time.Time
	Ticker(d time.Duration) Ticker
}

// Ticker abstracts the ticker behavior.
type Ticker interface {
	Chan() <-chan time.Time
	Stop()
}
