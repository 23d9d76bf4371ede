package watcher

import "context"

// Watcher polls a remote store and notifies via a channel.
// Implementations are KeyWatcher and CollectionWatcher.
type Watcher interface {
	// Type returns the watcher type identifier (TypeKey or TypeCollection).
	Type() WatcherType

	// Start begins polling. The first poll happens one interval after Start.
	// Calling Start on a running watcher does nothing.
	Start(ctx context.Context) error

	// Stop stops polling and waits for the poll loop to exit, or for ctx to
	// be done. After Stop returns nil, no fetch is issued and no result is
	// sent.
	Stop(ctx context.Context) error

	// Results returns the channel receiving poll results.
	// The channel is created by Start and closed when the poll loop exits.
	// Returns nil if Start has not been called.
	Results() <-chan Result
}
