// Package auth provides JWT verification and the HTTP middleware that
// authenticates operator API requests.
package auth
