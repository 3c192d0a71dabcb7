/*
Package security generates the certificate material both channels run
on: the node's server pair, one self-signed pair per client, and the
client.crt bundle the request handler trusts.

There is no certificate authority. Peers pin each other's self-signed
leaf certificates, which is why every generated certificate is its own
trust anchor.
*/
package security
