/*
Package server accepts client requests over mutual TLS.

Each connection carries exactly one framed request: New Job or
Terminate. The client's name comes from its certificate common name
and is what the fairness ledger and the callback channel key on.
*/
package server
