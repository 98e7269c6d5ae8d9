package patterns

import (
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisLocker_ReleaseFailureIsLogged(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	log, hook := test.NewNullLogger()
	l := NewRedisLocker(client, time.Second, log)
	l.release("contentloop:pattern-lock:intro/question", "token")

	require.Len(t, hook.Entries, 1)
	entry := hook.LastEntry()
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "Failed to release pattern lock", entry.Message)
	assert.NotNil(t, entry.Data[logrus.ErrorKey])
	assert.Equal(t, "contentloop:pattern-lock:intro/question", entry.Data["key"])
}
