// Package mqtt exposes tracked devices to Home Assistant through MQTT
// discovery. The router appears as a single HA device; every tracked
// client becomes a device_tracker entity attached to it, with its
// home/not_home state and attributes published to per-device topics.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery config payloads, a
// birth message to the availability topic, and subscribes to Home
// Assistant's status topic so discovery is replayed when HA restarts.
// A will message ensures the availability topic transitions to
// "offline" on unexpected disconnects.
package mqtt
