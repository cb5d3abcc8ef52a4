// Package signaling is the WebSocket transport for presence, call control and
// WebRTC signaling.
//
// Each connection gets a server-assigned id and exchanges {event, data} text
// frames. Handlers for one connection run sequentially on its reader
// goroutine; a failing handler answers with call-error and the connection
// stays open.
package signaling
