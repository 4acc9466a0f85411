// Package state holds the per-profile shared tables: cookie jar, HTTP
// cache, HSTS list, auth cache, history states and cookie listeners.
//
// A Profile bundles one instance of each table behind independent
// locks and is shared by reference across every fetch of that profile.
// The auth cache, HSTS list and cookie jar persist to three JSON
// documents in the profile's config directory, loaded at construction
// and written at shutdown. A profile with no directory is memory-only.
package state
