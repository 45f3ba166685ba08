package querycache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetGet(t *testing.T) {
	c := New()
	c.Set("bookings/r1", []int{1, 2})

	v, fresh, ok := c.Get("bookings/r1")
	assert.True(t, ok)
	assert.True(t, fresh)
	assert.Equal(t, []int{1, 2}, v)

	_, _, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestInvalidatePrefix(t *testing.T) {
	c := New()
	c.Set("bookings", 0)
	c.Set("bookings/r1", 1)
	c.Set("bookings_archive", 2)
	c.Set("tables/r1", 3)

	keys := c.Invalidate("bookings/")
	assert.Equal(t, []string{"bookings", "bookings/r1"}, keys)

	_, fresh, _ := c.Get("bookings_archive")
	assert.True(t, fresh)
	assert.Equal(t, []string{"bookings", "bookings/r1"}, c.Stale())

	c.Set("bookings", 5)
	_, fresh, _ = c.Get("bookings")
	assert.True(t, fresh)
}

func TestInvalidateAllNotifies(t *testing.T) {
	c := New()
	var got [][]string
	c.OnInvalidate(func(keys []string) { got = append(got, keys) })

	assert.Nil(t, c.InvalidateAll())
	assert.Empty(t, got)

	c.Set("a", 1)
	c.Set("b", 2)
	c.InvalidateAll()
	assert.Equal(t, [][]string{{"a", "b"}}, got)
}
