package app

import (
	"database/sql"

	goredis "github.com/go-redis/redis/v8"
)

func (a *App) sqliteDB() *sql.DB {
	if len(a.sqlite) == 0 {
		return nil
	}
	return a.sqlite[0].DB()
}

func (a *App) redisConn() *goredis.Client {
	if a.redis == nil {
		return nil
	}
	return a.redis.Redis()
}
