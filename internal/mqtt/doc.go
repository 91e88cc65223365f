// Package mqtt forwards WebPilot's operational events to an MQTT broker
// so dashboards and other automation can follow what the browser agent
// is doing.
//
// Connection management uses Eclipse Paho v2's [autopaho] package, which
// reconnects on its own. On every (re-)connect the publisher sends a
// retained "online" birth message and a retained info document; a will
// message flips the availability topic to "offline" if the connection
// drops unexpectedly. Events are published as JSON, QoS 0, not retained,
// on <prefix>/events/<source>/<kind>.
package mqtt
