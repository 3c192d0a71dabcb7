// Package callback opens one-shot mutually-authenticated channels back
// to clients for Started and Terminated notifications.
package callback
