/*
Package wire implements the framed JSON protocol spoken on both the
inbound request channel and the outbound notification channel.

Every message is a uint32 big-endian length followed by a UTF-8 JSON
payload. Inbound requests form a closed set routed on the Request tag
(New Job, Terminate); outbound messages route on the Msg tag (Accepted,
Refused, Started, Terminated).
*/
package wire
