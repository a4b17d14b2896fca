// Package stores persists what inittree remembers between processes:
// resolution caches keyed by cache key, the history of resolution runs, and
// their event timelines. SQLiteStore uses modernc.org/sqlite with embedded
// golang-migrate migrations; FileCacheStore keeps one JSON file per cache for
// single-process use. Component instances are never persisted, only the
// construction order.
package stores
