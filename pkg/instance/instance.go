package instance

import (
	"fmt"
	"os"
	"sync"
)

var (
	once sync.Once
	id   string
)

// ID names this process in logs and alert payloads. COMMERCE_WORKER_ID wins,
// then the platform dyno name, then hostname-pid. The value is fixed for the
// life of the process.
func ID() string {
	once.Do(func() { id = resolve(os.Getenv, os.Hostname, os.Getpid()) })
	return id
}

func resolve(getenv func(string) string, hostname func() (string, error), pid int) string {
	for _, key := range []string{"COMMERCE_WORKER_ID", "DYNO"} {
		if v := getenv(key); v != "" {
			return v
		}
	}
	host, err := hostname()
	if err != nil || host == "" {
		host = "local"
	}
	return fmt.Sprintf("%s-%d", host, pid)
}
