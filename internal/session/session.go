// Package session keeps the shared-cache side of gateway sessions: the
// session to user mapping, each user's set of live sessions, and voice state
// records. The in-process connection table lives in package ws.
package session
