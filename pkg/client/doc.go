/*
Package client is the node's counterpart: it submits and terminates
jobs over the framed request channel and receives the node's callback
notifications on the comms port.
*/
package client
