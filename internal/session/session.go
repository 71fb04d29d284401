// Package session resolves bearer tokens to user identities and keeps an
// ephemeral record of each live connection and the rooms it has joined.
// Identity tokens are written by the external auth service; this package
// only reads them.
package session
