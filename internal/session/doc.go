// Package session ties one signed-in user's client state together: the
// bounded message cache, the subscription registry, the render store,
// and the backend API client are all owned by a single Session object
// created at sign-in. There are no package-level singletons; tearing a
// Session down closes every feed connection and drops every cached
// message, so nothing leaks across sign-in boundaries.
//
// The current-conversation pointer is persisted to a small state file
// under the user's home directory, guarded against concurrent processes
// with file locking via [github.com/gofrs/flock].
package session
