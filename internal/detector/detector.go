// Package detector provides the vehicle count source for the agent.
package detector

import (
	"context"
	"math/rand"
	"time"
)

// interval returns the pause between detections, 1 to 5 seconds.
var interval = func() time.Duration {
	return time.Duration(rand.Intn(5)+1) * time.Second
}

// Run simulates a vehicle detector: it sends a monotonically increasing
// vehicle count on out until ctx is canceled. It stands in for the camera
// pipeline, which feeds the same channel.
func Run(ctx context.Context, out chan<- int) {
	count := 0
	for {
		count++
		select {
		case out <- count:
		case <-ctx.Done():
			return
		}
		select {
		case <-time.After(interval()):
		case <-ctx.Done():
			return
		}
	}
}
