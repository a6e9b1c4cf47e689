// ABOUTME: Tests for the webhook redelivery fast-path cache
// ABOUTME: Covers TTL expiry, size eviction, key format, and concurrent use

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "whatsapp:+1555:+1777:SM123", Key("whatsapp", "+1555", "+1777", "SM123"))
	// Same external id on different platforms must not collide
	assert.NotEqual(t, Key("whatsapp", "a", "c", "42"), Key("telegram", "a", "c", "42"))
	// Telegram message ids are per-chat counters: the same id from two
	// different customers is two different deliveries
	assert.NotEqual(t, Key("telegram", "bot-1", "chat-a", "42"), Key("telegram", "bot-1", "chat-b", "42"))
}

func TestCheckUnseen(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.Check(Key("whatsapp", "a", "c", "SM-never")))
}

func TestMarkThenCheck(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	cache.Mark(Key("telegram", "bot-1", "chat-a", "1001"))
	assert.True(t, cache.Check(Key("telegram", "bot-1", "chat-a", "1001")))
	assert.False(t, cache.Check(Key("telegram", "bot-1", "chat-b", "1001")))
	assert.False(t, cache.Check(Key("whatsapp", "bot-1", "chat-a", "1001")))
}

func TestCheckAfterTTL(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	cache.Mark("k")
	assert.True(t, cache.Check("k"))

	time.Sleep(20 * time.Millisecond)
	assert.False(t, cache.Check("k"))
}

func TestSizeEviction(t *testing.T) {
	cache := New(5*time.Minute, 3)
	defer cache.Close()

	cache.Mark("a")
	cache.Mark("b")
	cache.Mark("c")
	cache.Mark("d") // evicts "a"

	assert.False(t, cache.Check("a"))
	assert.True(t, cache.Check("b"))
	assert.True(t, cache.Check("c"))
	assert.True(t, cache.Check("d"))
}

func TestMarkRefreshesOrder(t *testing.T) {
	cache := New(5*time.Minute, 2)
	defer cache.Close()

	cache.Mark("a")
	cache.Mark("b")
	cache.Mark("a") // "a" becomes newest
	cache.Mark("c") // evicts "b"

	assert.True(t, cache.Check("a"))
	assert.False(t, cache.Check("b"))
	assert.True(t, cache.Check("c"))
}

func TestConcurrentMarkAndCheck(t *testing.T) {
	cache := New(time.Minute, 1000)
	defer cache.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := Key("whatsapp", "a", "c", fmt.Sprintf("SM-%d-%d", n, j))
				cache.Mark(key)
				assert.True(t, cache.Check(key))
			}
		}(i)
	}
	wg.Wait()
}

func TestCloseTwice(t *testing.T) {
	cache := New(time.Minute, 10)
	cache.Close()
	cache.Close()
}
