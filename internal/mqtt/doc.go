// Package mqtt makes Hearth visible in Home Assistant as an MQTT
// device. It publishes retained discovery configs for a small set of
// diagnostic sensors (uptime, stream state, cached entities, daily
// command and action counts) and refreshes their states on a timer.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it republishes discovery and a birth message ("online")
// to the availability topic; a will message flips the topic to
// "offline" on unexpected disconnects.
package mqtt
