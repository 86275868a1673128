// Package auth resolves command credentials to a principal. Three modes
// are supported: open (no secrets configured), a shared API key, and
// HS256 bearer tokens carrying roles.
package auth
