package watcher

// Listener receives the callbacks of a running Service. WatcherItemDidChange
// carries the path whose content changed.
type Listener interface {
	WatcherItemDidChange(string)
	WatcherDidError(error)
}

// Service watches a set of paths on behalf of one Listener.
type Service interface {
	Start(Listener)
	Add(string) error
	Shutdown()
}
