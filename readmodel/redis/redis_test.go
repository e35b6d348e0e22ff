package redis

import (
	"context"
	"strings"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/freedeepresearch/eventcore/readmodel"
	"github.com/freedeepresearch/eventcore/readmodel/test"
)

const (
	address  = "localhost:6379"
	user     = ""
	password = ""
)

func Test_RedisStore(t *testing.T) {
	if testing.Short() {
		t.Skip()
	}

	client := getClient()

	test.StoreTest(t, func() readmodel.Store {
		// Flush database
		if err := client.FlushDB(context.Background()).Err(); err != nil {
			panic(err)
		}

		r, err := client.Keys(context.Background(), "*").Result()
		if err != nil {
			panic(err)
		}

		if len(r) > 0 {
			panic("Keys should've been empty" + strings.Join(r, ", "))
		}

		return NewStore(client)
	}, nil)
}

func getClient() redis.UniversalClient {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{address},
		Username: user,
		Password: password,
		DB:       0,
	})

	return client
}
