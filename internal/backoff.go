package internal

import (
	"math/rand"
	"time"
)

// GetBackoffTime returns a randomized exponential backoff duration: a uniform
// number of slots in [0, 2^retries), capped at maximum.
func GetBackoffTime(retries int64, slotTime, maximum time.Duration) time.Duration {
	if slotTime <= 0 || retries <= 0 {
		return 0
	}
	if retries >= 62 {
		return maximum
	}
	slots := rand.Int63n(int64(1) << retries)

	// guard the multiplication against overflow
	if slots != 0 && slotTime > maximum/time.Duration(slots) {
		return maximum
	}
	backoff := time.Duration(slots) * slotTime
	if backoff > maximum {
		return maximum
	}
	return backoff
}

// SleepBackedOff sleeps for a randomized backoff.
func SleepBackedOff(retries int64, slotTime, maximum time.Duration) {
	time.Sleep(GetBackoffTime(retries, slotTime, maximum))
}
