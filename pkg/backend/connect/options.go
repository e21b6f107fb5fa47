package connect

import (
	"time"

	config "github.com/night-slayer18/dtypes/configs"
	"github.com/night-slayer18/dtypes/pkg/barrier"
	"github.com/night-slayer18/dtypes/pkg/clockvalue"
	"github.com/night-slayer18/dtypes/pkg/list"
	"github.com/night-slayer18/dtypes/pkg/mutex"
	"github.com/night-slayer18/dtypes/pkg/resilience"
	"github.com/night-slayer18/dtypes/pkg/rwlock"
)

// The helpers below translate the primitive defaults in a Config into
// constructor options. Options passed after them override.

func policy(cfg *config.Config) resilience.Policy {
	return resilience.Exponential(cfg.RetryInterval, max(cfg.RetryInterval, 250*time.Millisecond))
}

func MutexOptions(cfg *config.Config) []mutex.Option {
	return []mutex.Option{
		mutex.WithLeaseTTL(cfg.LeaseTTL),
		mutex.WithTimeout(cfg.AcquireTimeout),
		mutex.WithBackoff(policy(cfg)),
	}
}

func RWLockOptions(cfg *config.Config) []rwlock.Option {
	return []rwlock.Option{
		rwlock.WithLeaseTTL(cfg.LeaseTTL),
		rwlock.WithTimeout(cfg.AcquireTimeout),
		rwlock.WithBackoff(policy(cfg)),
		rwlock.WithMaxRetries(cfg.MaxRetries),
	}
}

func BarrierOptions(cfg *config.Config) []barrier.Option {
	return []barrier.Option{
		barrier.WithBackoff(policy(cfg)),
		barrier.WithMaxRetries(cfg.MaxRetries),
	}
}

func ClockOptions[T any](cfg *config.Config) []clockvalue.Option[T] {
	return []clockvalue.Option[T]{
		clockvalue.WithMaxRetries[T](cfg.MaxRetries),
	}
}

func ListOptions[T any](cfg *config.Config) []list.Option[T] {
	return []list.Option[T]{
		list.WithCacheTTL[T](cfg.ListCacheTTL),
		list.WithMaxRetries[T](cfg.MaxRetries),
	}
}
