package utils

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"

	"bitbucket.org/hewadtech/budget_backend/config"
)

func GetCacheLifespan() time.Duration {
	lifespan, err := strconv.Atoi(os.Getenv("CACHE_LIFESPAN"))
	if err != nil {
		lifespan = 1
	}
	return time.Duration(lifespan) * time.Hour
}

func GetTypeName[T any]() string {
	var v T
	return reflect.TypeOf(v).Name()
}

// UserCacheKey is the cache key for a session user.
func UserCacheKey(userId int) string {
	return "User:" + fmt.Sprint(userId)
}

// RevokedTokenKey marks a logged-out token; the session middleware rejects
// any bearer carrying it until the token would have expired anyway.
func RevokedTokenKey(token string) string {
	return "RevokedToken:" + token
}

// StoreRedis caches one instance under Type:$id.
func StoreRedis[T any](obj any, id int) error {
	key := GetTypeName[T]() + ":" + fmt.Sprint(id)
	return config.SetRedisObject(key, &obj, GetCacheLifespan())
}

// RetrieveRedis returns nil without error when the key does not exist.
func RetrieveRedis[T any](id int) (*T, error) {
	var result *T
	key := GetTypeName[T]() + ":" + fmt.Sprint(id)
	exists, err := config.GetRedisObject(key, &result)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	return result, nil
}

// RemoveRedisItem drops one cached instance, Type:$id.
func RemoveRedisItem[T any](id int) error {
	key := GetTypeName[T]() + ":" + fmt.Sprint(id)
	return config.RemoveRedisKey(key)
}
