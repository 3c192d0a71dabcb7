// Package network allocates host ports for published container ports.
package network
