// Package signaling carries hub traffic over WebSockets.
//
// Server upgrades GET /signal and runs one session per socket: a reader that
// validates and rate limits inbound frames before handing them to the hub,
// and a writer that drains the session's bounded outbound queue and keeps
// the socket alive with pings. ClientConn is the participant side of the
// same socket.
package signaling
