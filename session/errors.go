package session

import "errors"

var (
	// ErrLaunch indicates Chrome could not be launched or connected to.
	ErrLaunch = errors.New("session: browser launch failed")

	// ErrNavigation indicates the client page did not load in time.
	ErrNavigation = errors.New("session: navigation failed")

	// ErrNotRunning is returned for operations on an unknown or stopped account.
	ErrNotRunning = errors.New("session: not running")

	// ErrStopping is returned by Start while a stop for the same account
	// is still tearing down; callers retry once it completes.
	ErrStopping = errors.New("session: stop in progress")
)
