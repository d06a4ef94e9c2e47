// Package broadcast fans values out to any number of subscribers without
// ever blocking the publisher.
package broadcast
