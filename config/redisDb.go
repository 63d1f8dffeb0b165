package config

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

var (
	rdb    *redis.Client
	locker *redislock.Client
)
var redisCtx = context.Background()

func GetRedisDB() *redis.Client {
	return rdb
}

func GetRedisLock() *redislock.Client {
	return locker
}

// ConnectRedisWithRetry connects the optional redis cache. The cache helpers
// are nil-safe, so the process works (slower) when REDIS_ADDRESS is unset.
func ConnectRedisWithRetry() {
	address := os.Getenv("REDIS_ADDRESS")
	if address == "" {
		log.Printf("REDIS_ADDRESS not set; running without redis cache")
		return
	}

	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: os.Getenv("REDIS_PASSWORD"),
	})

	var attempt int
	for {
		attempt++
		if err := client.Ping(redisCtx).Err(); err == nil {
			rdb = client
			locker = redislock.New(client)
			log.Printf("connected to redis (attempt=%d)", attempt)
			return
		} else {
			if attempt >= 5 {
				log.Printf("giving up on redis after %d attempts: %v; running without cache", attempt, err)
				return
			}
			sleep := time.Second * time.Duration(1<<min(attempt, 4))
			log.Printf("failed to connect redis (attempt=%d): %v; retrying in %s", attempt, err, sleep)
			time.Sleep(sleep)
		}
	}
}

// GetRedisObject loads a JSON object. Returns (false, nil) on cache miss or
// when redis is not configured.
func GetRedisObject(key string, dest interface{}) (bool, error) {
	if rdb == nil {
		return false, nil
	}
	val, err := rdb.Get(redisCtx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return false, err
	}
	return true, nil
}

func SetRedisObject(key string, value interface{}, expiration time.Duration) error {
	if rdb == nil {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return rdb.Set(redisCtx, key, data, expiration).Err()
}

func RemoveRedisKey(key string) error {
	if rdb == nil {
		return nil
	}
	return rdb.Del(redisCtx, key).Err()
}

func RemoveRedisKeysByPattern(pattern string) error {
	if rdb == nil {
		return nil
	}
	iter := rdb.Scan(redisCtx, 0, pattern, 0).Iterator()
	for iter.Next(redisCtx) {
		if err := rdb.Del(redisCtx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}
