// Package protocol defines the JSON wire schema spoken between call
// participants and the signaling hub.
//
// Every WebSocket text frame carries exactly one Message. Negotiation payloads
// (session descriptions and ICE candidates) travel as raw JSON objects: the hub
// forwards them untouched and only clients decode them into pion types.
package protocol
