package test

import (
	crypto_rand "crypto/rand"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/meow-io/go-reconcile/config"
	db "github.com/meow-io/go-reconcile/internal/db"
)

type ID [8]byte

func newID() ID {
	var id [8]byte
	_, err := io.ReadFull(crypto_rand.Reader, id[:])
	if err != nil {
		panic("short read from random source")
	}
	return id
}

func DeleteAll(glob string) {
	files, err := filepath.Glob(glob)
	if err != nil {
		panic(err)
	}
	for _, f := range files {
		fileInfo, err := os.Stat(f)
		if err != nil {
			panic(err)
		}

		if fileInfo.IsDir() {
			DeleteAll(path.Join(f, "*"))
		} else {
			if err := os.Remove(f); err != nil {
				panic(err)
			}
		}
	}
}

func DBCleanup(run func() int) int {
	c := run()
	testCleanup()
	return c
}

func testCleanup() {
	DeleteAll("*-journal")
	DeleteAll("*-wal")
	DeleteAll("*-shm")
	DeleteAll("test-*")
}

func Config(prefix string) *config.Config {
	return config.NewConfig(
		config.WithoutLogFile(),
		config.WithLoggingPrefix(prefix),
	)
}

func NewTestDatabase(c *config.Config) *db.Database {
	id := newID()
	path := fmt.Sprintf("test-%x", id[:])
	d, err := db.NewDatabase(c, path)
	if err != nil {
		panic(err)
	}
	key := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31}
	if err := d.Initialize(key); err != nil {
		panic(err)
	}
	if err := d.Open(key); err != nil {
		panic(err)
	}
	return d
}

type waiter struct {
	at time.Time
	ch chan time.Time
}

// Clock is a manually advanced clock.Clock.
type Clock struct {
	lock    sync.Mutex
	now     time.Time
	waiters []*waiter
	added   chan struct{}
}

func NewClock(now time.Time) *Clock {
	return &Clock{now: now, added: make(chan struct{}, 1000)}
}

func (c *Clock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.now
}

func (c *Clock) After(d time.Duration) <-chan time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	w := &waiter{at: c.now.Add(d), ch: make(chan time.Time, 1)}
	if d <= 0 {
		w.ch <- c.now
	} else {
		c.waiters = append(c.waiters, w)
	}
	c.added <- struct{}{}
	return w.ch
}

// Advance moves the clock forward, firing every timer that falls due.
func (c *Clock) Advance(d time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.now = c.now.Add(d)
	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.at.After(c.now) {
			w.ch <- c.now
		} else {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
}

// WaitForTimers blocks until n calls to After have been made since the last wait.
func (c *Clock) WaitForTimers(n int) {
	for i := 0; i != n; i++ {
		<-c.added
	}
}
