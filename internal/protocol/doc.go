// Package protocol defines the event vocabulary spoken over the signaling
// WebSocket: event names, the JSON envelope, and the payload shapes for
// presence, call lifecycle and relayed WebRTC signaling.
package protocol
