// Package relay forwards WebRTC signaling messages (offer, answer and ICE
// candidates) between two connections.
//
// The relay keeps no state. Payload bodies are opaque and forwarded verbatim;
// only the sender's connection id is stamped on the way through.
package relay
