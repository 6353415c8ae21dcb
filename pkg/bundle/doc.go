// Package bundle owns the shared runtime configuration: the local overlay
// bundle.yaml, the cache holding the one prepared bundle every session is
// created from, and the watcher and scheduler that trigger reloads.
package bundle
