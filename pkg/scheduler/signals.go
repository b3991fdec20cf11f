package scheduler

// PlatformSignals abstracts the host environment's connectivity and
// lifecycle hints. Every hint is best-effort; the scheduler layers four
// redundant triggers because no single signal is reliable on all targets.
type PlatformSignals interface {
	IsOnline() bool
	OnReconnect(fn func())
	OnVisibilityChange(fn func(visible bool))
	OnTeardown(fn func())
}

// BackgroundRetryRegistrar is an optional capability for platforms that can
// wake the application to retry delivery in the background. Absence of the
// capability is not an error.
type BackgroundRetryRegistrar interface {
	RegisterBackgroundRetry(tag string) error
}

// NoopSignals serves headless targets: always online, no lifecycle events.
type NoopSignals struct{}

func (NoopSignals) IsOnline() bool                        { return true }
func (NoopSignals) OnReconnect(func())                    {}
func (NoopSignals) OnVisibilityChange(func(visible bool)) {}
func (NoopSignals) OnTeardown(func())                     {}
