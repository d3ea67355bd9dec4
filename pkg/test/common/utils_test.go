package common_test

import (
	"fmt"
	"strconv"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	tcommon "github.com/regprune/regprune/pkg/test/common"
)

func TestGetFreePort(t *testing.T) {
	Convey("Free ports are numbers", t, func() {
		port := tcommon.GetFreePort()

		_, err := strconv.Atoi(port)
		So(err, ShouldBeNil)
		So(tcommon.GetBaseURL(port), ShouldEqual, fmt.Sprintf("http://127.0.0.1:%s", port))
	})
}

func TestWaitForLogMessages(t *testing.T) {
	Convey("Wait for log messages", t, func() {
		buffer := tcommon.NewThreadSafeLogBuffer()

		go func() {
			for range 3 {
				_, _ = buffer.Write([]byte("tick\n"))
			}
		}()

		So(tcommon.WaitForLogMessages(buffer, "tick", 3, 5*time.Second), ShouldBeTrue)
		So(tcommon.WaitForLogMessages(buffer, "tock", 1, tcommon.SleepTime), ShouldBeFalse)
	})
}
