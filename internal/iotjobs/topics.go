package iotjobs

import "fmt"

// topics builds the reserved AWS IoT jobs topics for one thing.
type topics struct {
	thing string
}

func (t topics) base() string {
	return fmt.Sprintf("$aws/things/%s/jobs", t.thing)
}

func (t topics) notifyNext() string {
	return t.base() + "/notify-next"
}

func (t topics) startNext() string {
	return t.base() + "/start-next"
}

func (t topics) startNextAccepted() string {
	return t.startNext() + "/accepted"
}

func (t topics) startNextRejected() string {
	return t.startNext() + "/rejected"
}

// update takes a job ID or the "+" wildcard for subscriptions.
func (t topics) update(jobID string) string {
	return fmt.Sprintf("%s/%s/update", t.base(), jobID)
}

func (t topics) updateAccepted(jobID string) string {
	return t.update(jobID) + "/accepted"
}

func (t topics) updateRejected(jobID string) string {
	return t.update(jobID) + "/rejected"
}
