package rediskey

import "fmt"

// Scheduler keys (global convention across replicas)
const (
	SchedulerPrefix     = "scheduler"
	SchedulerTickPrefix = "scheduler:tick"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildTickLeaseKey returns "scheduler:tick:{app}"
func BuildTickLeaseKey(app string) string {
	return NamespaceKey(SchedulerTickPrefix, app)
}
