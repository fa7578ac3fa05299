// Package log defines the minimal structured logging contract used across
// lib-txflow. Implementations live elsewhere (see the zap package); engine
// code depends only on this interface so logging backends stay swappable.
package log
