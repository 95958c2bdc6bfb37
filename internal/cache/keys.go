package cache

import "fmt"

func JobStatusKey(jobID string) string {
	return fmt.Sprintf("job:status:%s", jobID)
}

func JobSnapshotKey(jobID string) string {
	return fmt.Sprintf("job:snapshot:%s", jobID)
}

func RateLimitKey(callerID string) string {
	return fmt.Sprintf("ratelimit:%s", callerID)
}

func HistoryListKey(userID string) string {
	return fmt.Sprintf("history:list:%s", userID)
}
