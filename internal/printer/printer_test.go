package printer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorReturnsTitle(t *testing.T) {
	err := Error("coordinator is not running", "no subscriber received the submission", nil)
	require.Error(t, err)
	assert.Equal(t, "coordinator is not running", err.Error())
}

func TestErrorWithSuggestions(t *testing.T) {
	err := Error("redis unreachable", "ping failed", []string{
		"start redis with 'docker run -p 6379:6379 redis'",
		"set REDIS_URL to the correct address",
	})
	require.Error(t, err)
	assert.Equal(t, "redis unreachable", err.Error())
}

func TestOutputHelpersDoNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		Success("task %s submitted", "abc")
		Info("plain %d\n", 1)
		Warning("queue nearly full")
		Step("connecting to %s\n", "localhost:6379")
		Println("done")
		Printf("%s\n", "done")
	})
}
