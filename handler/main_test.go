// handler/main_test.go
package handler

import (
	"io"
	"os"
	"storefront-api/logger"
	"testing"
)

func TestMain(m *testing.M) {
	logger.Init()
	logger.Log.SetOutput(io.Discard)
	os.Exit(m.Run())
}
