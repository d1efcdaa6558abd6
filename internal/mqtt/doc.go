// Package mqtt publishes normalized readings to the WeSense message
// bus.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. Readings go out
// as JSON with QoS 1 and are not retained. On every (re-)connect an
// "online" birth message is published, retained, to the ingester's
// availability topic, and a will message flips it to "offline" if the
// connection drops uncleanly.
//
// In dry-run mode nothing is sent: each reading is logged and counted
// as if it had been published.
package mqtt
