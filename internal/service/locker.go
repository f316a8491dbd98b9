package service

import "sync"

// keyedLocker 提供按键互斥。任务行的汇总重算和任务文件行的分片簿记
// 都要求同键写入串行化，跨进程部署时应换成数据库行锁或 Redis 锁。
type keyedLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedLocker() *keyedLocker {
	return &keyedLocker{locks: make(map[string]*sync.Mutex)}
}

// Lock 锁定指定键，返回解锁函数。
func (l *keyedLocker) Lock(key string) func() {
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
