// Package broadcast fans events out to subscribers over buffered
// channels. Slow subscribers lose their oldest events rather than
// blocking the publisher.
package broadcast
