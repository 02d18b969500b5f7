package admission

import (
	"fmt"
	"time"
)

const noticePrefix = "[IP Limit Manager] "

// Notices holds the texts sent to sessions. Empty fields take the defaults.
// Scheduled is formatted with the grace period in seconds.
type Notices struct {
	Announce            string
	ScheduledConcurrent string
	ScheduledRate       string
	Warning             string
	Disconnected        string
}

func (n Notices) withDefaults() Notices {
	if n.Announce == "" {
		n.Announce = noticePrefix + "This server is running the IP limit module."
	}
	if n.ScheduledConcurrent == "" {
		n.ScheduledConcurrent = noticePrefix + "Warning: another session is already connected from your IP address. You will be disconnected in %d seconds."
	}
	if n.ScheduledRate == "" {
		n.ScheduledRate = noticePrefix + "Warning: too many accounts have connected from your IP address recently. You will be disconnected in %d seconds."
	}
	if n.Warning == "" {
		n.Warning = noticePrefix + "Warning: you will be disconnected in %d seconds."
	}
	if n.Disconnected == "" {
		n.Disconnected = noticePrefix + "You have been disconnected due to the IP limit."
	}
	return n
}

func seconds(d time.Duration) int {
	return int((d + time.Second - 1) / time.Second)
}

func (n Notices) scheduled(rate bool, delay time.Duration) string {
	if rate {
		return fmt.Sprintf(n.ScheduledRate, seconds(delay))
	}
	return fmt.Sprintf(n.ScheduledConcurrent, seconds(delay))
}

func (n Notices) warning(remaining time.Duration) string {
	return fmt.Sprintf(n.Warning, seconds(remaining))
}
