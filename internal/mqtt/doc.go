// Package mqtt publishes tool-server connection state to an MQTT
// broker and accepts refresh commands from it.
//
// NPBot appears as a Home Assistant device. Every configured tool
// server becomes a sensor whose state is the connection state and
// whose attributes carry the tool count and last error, alongside a
// few process-level sensors (uptime, version, tool calls today).
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery config payloads, a
// birth message ("online") to the availability topic, and subscribes
// to the command topic. A will message moves the availability topic
// to "offline" on unexpected disconnects. Server states are published
// retained whenever a connection changes state and on a fixed interval.
package mqtt
