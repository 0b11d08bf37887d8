// Package config binds the runtime's tunable knobs to command-line
// flags. It exists only for cmd/hig; the core packages never read flags
// or other global state, matching the teacher's style of constructing a
// Runtime/orchestrator from explicit arguments. Of these knobs, cmd/hig
// passes only the service name and the retry cap on (to
// coordinator.NewService). Mailbox capacity, lock-wait queue depth and
// overflow guard are parsed but not applied: actorsys uses its own
// DefaultMailboxCapacity and OverflowGuard constants, and a Src's lock
// wait queue has no length limit.
package config

import (
	"flag"
	"time"
)

// Config holds every runtime knob cmd/hig exposes. Defaults mirror the
// constants the core packages fall back to when embedded as a library
// (actorsys.DefaultMailboxCapacity, coordinator.DefaultRetryCap).
type Config struct {
	Service         string
	MailboxCapacity int
	RetryCap        int
	LockWaitQueue   int
	OverflowGuard   time.Duration
}

// NewFlagSet builds a flag.FlagSet bound to a fresh Config with the
// runtime's defaults pre-filled, ready for fs.Parse(env.Args).
func NewFlagSet(name string) (*flag.FlagSet, *Config) {
	cfg := &Config{
		MailboxCapacity: 1024,
		RetryCap:        8,
		LockWaitQueue:   256,
		OverflowGuard:   30 * time.Second,
	}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&cfg.Service, "service", "", "service name this process owns cells under")
	fs.IntVar(&cfg.MailboxCapacity, "mailbox-capacity", cfg.MailboxCapacity, "per-actor inbox/outbox channel capacity (parsed, not applied)")
	fs.IntVar(&cfg.RetryCap, "retry-cap", cfg.RetryCap, "maximum wait-die retry attempts before a DoAction gives up")
	fs.IntVar(&cfg.LockWaitQueue, "lock-wait-queue", cfg.LockWaitQueue, "maximum queued lock waiters per cell (parsed, not applied)")
	fs.DurationVar(&cfg.OverflowGuard, "overflow-guard", cfg.OverflowGuard, "how long a blocked mailbox send is tolerated before it is treated as overflow (parsed, not applied)")

	return fs, cfg
}
