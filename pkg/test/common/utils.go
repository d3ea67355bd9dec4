package common

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/phayes/freeport"
	"gopkg.in/resty.v1"
)

const (
	BaseURL   = "http://127.0.0.1:%s"
	SleepTime = 100 * time.Millisecond
)

func WaitTillServerReady(url string) {
	for {
		_, err := resty.R().Get(url)
		if err == nil {
			break
		}

		time.Sleep(SleepTime)
	}
}

func GetFreePort() string {
	port, err := freeport.GetFreePort()
	if err != nil {
		panic(err)
	}

	return strconv.Itoa(port)
}

func GetBaseURL(port string) string {
	return fmt.Sprintf(BaseURL, port)
}

// ThreadSafeLogBuffer captures log output written from several goroutines.
type ThreadSafeLogBuffer struct {
	buffer *bytes.Buffer
	mutex  sync.RWMutex
}

func NewThreadSafeLogBuffer() *ThreadSafeLogBuffer {
	return &ThreadSafeLogBuffer{
		buffer: &bytes.Buffer{},
	}
}

func (tsb *ThreadSafeLogBuffer) Write(p []byte) (int, error) {
	tsb.mutex.Lock()
	defer tsb.mutex.Unlock()

	return tsb.buffer.Write(p)
}

func (tsb *ThreadSafeLogBuffer) String() string {
	tsb.mutex.RLock()
	defer tsb.mutex.RUnlock()

	return tsb.buffer.String()
}

// WaitForLogMessages returns true once message was logged at least minCount times, false on timeout.
func WaitForLogMessages(logBuffer *ThreadSafeLogBuffer, message string, minCount int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if strings.Count(logBuffer.String(), message) >= minCount {
			return true
		}

		time.Sleep(10 * time.Millisecond)
	}

	return false
}
