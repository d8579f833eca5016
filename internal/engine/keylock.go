package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker - взаимное исключение по ключу. Используется для сериализации
// переходов жизненного цикла агента и сообщений одного разговора.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// KeyedMutex - блокировки в памяти процесса. Ожидающие получают
// блокировку в порядке прихода (очередь отправителей канала FIFO).
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	sem  chan struct{}
	refs int // Владелец + ожидающие; запись удаляется при нуле
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{sem: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.sem
				k.release(key, e)
			})
		}, nil
	case <-ctx.Done():
		k.release(key, e)
		return nil, ctx.Err()
	}
}

func (k *KeyedMutex) release(key string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

// Size - число ключей с владельцем или ожидающими.
func (k *KeyedMutex) Size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

var errLockBusy = errors.New("lock is held by another instance")

// Скрипт снимает блокировку, только если она все еще наша.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// Продление TTL тоже только своей блокировки.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)

// RedisLocker - распределенная блокировка (SetNX с токеном) для нескольких инстансов.
// Внутри процесса ожидающие сначала выстраиваются на локальном KeyedMutex.
// Пока блокировка держится, TTL продлевается каждые ttl/3: долгая операция
// под ней не теряет ключ по истечении TTL.
type RedisLocker struct {
	rdb      *redis.Client
	local    *KeyedMutex
	keyFunc  func(string) string
	ttl      time.Duration
	interval time.Duration
	attempts uint
}

func NewRedisLocker(rdb *redis.Client, keyFunc func(string) string, ttl time.Duration) *RedisLocker {
	return &RedisLocker{
		rdb:      rdb,
		local:    NewKeyedMutex(),
		keyFunc:  keyFunc,
		ttl:      ttl,
		interval: 25 * time.Millisecond,
		attempts: uint(ttl / (25 * time.Millisecond)),
	}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	unlockLocal, err := l.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}

	redisKey := l.keyFunc(key)
	token := uuid.NewString()

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(l.attempts),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return errors.Is(err, errLockBusy) }),
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			return l.interval
		}),
	)
	err = r.Do(func() error {
		ok, err := l.rdb.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return err
		}
		if !ok {
			return errLockBusy
		}
		return nil
	})
	if err != nil {
		unlockLocal()
		return nil, fmt.Errorf("acquire lock %s: %w", redisKey, err)
	}

	stop := make(chan struct{})
	renewed := make(chan struct{})
	go l.renew(redisKey, token, stop, renewed)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-renewed
			// Контекст вызова мог уже истечь, снимаем блокировку отдельным
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = releaseScript.Run(rctx, l.rdb, []string{redisKey}, token).Err()
			unlockLocal()
		})
	}, nil
}

// renew продлевает TTL, пока не закрыт stop. Если ключ уже не наш, продлевать нечего.
func (l *RedisLocker) renew(redisKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(max(l.ttl/3, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			rctx, cancel := context.WithTimeout(context.Background(), l.ttl/3+time.Second)
			n, err := renewScript.Run(rctx, l.rdb, []string{redisKey}, token, l.ttl.Milliseconds()).Int()
			cancel()
			if err == nil && n == 0 {
				return
			}
		}
	}
}
