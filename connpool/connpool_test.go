// SPDX-License-Identifier: GPL-3.0-or-later

package connpool_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/rbmk-project/vnet/connpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// recordingCloser appends its name to a shared log when closed.
type recordingCloser struct {
	err  error
	log  *[]string
	mu   *sync.Mutex
	name string
}

func (c *recordingCloser) Close() error {
	c.mu.Lock()
	*c.log = append(*c.log, c.name)
	c.mu.Unlock()
	return c.err
}

func TestPool(t *testing.T) {
	t.Run("closes in reverse order", func(t *testing.T) {
		var (
			closed []string
			mu     sync.Mutex
		)
		pool := connpool.New()
		for _, name := range []string{"stack", "router", "conn"} {
			pool.Add(&recordingCloser{log: &closed, mu: &mu, name: name})
		}
		require.Equal(t, 3, pool.Len())

		require.NoError(t, pool.Close())
		assert.Equal(t, []string{"conn", "router", "stack"}, closed)
		assert.Equal(t, 0, pool.Len())

		// A second close is a no-op.
		require.NoError(t, pool.Close())
		assert.Len(t, closed, 3)
	})

	t.Run("joins the errors", func(t *testing.T) {
		var (
			closed []string
			mu     sync.Mutex
		)
		err1 := errors.New("close error #1")
		err2 := errors.New("close error #2")
		pool := connpool.New()
		pool.Add(&recordingCloser{err: err1, log: &closed, mu: &mu, name: "first"})
		pool.Add(&recordingCloser{log: &closed, mu: &mu, name: "middle"})
		pool.Add(&recordingCloser{err: err2, log: &closed, mu: &mu, name: "last"})

		err := pool.Close()
		assert.ErrorIs(t, err, err1)
		assert.ErrorIs(t, err, err2)
		assert.Equal(t, errors.Join(err2, err1).Error(), err.Error())
		assert.Len(t, closed, 3)
	})

	t.Run("concurrent usage", func(t *testing.T) {
		var (
			closed []string
			mu     sync.Mutex
		)
		pool := connpool.New()
		var group errgroup.Group
		for idx := 0; idx < 100; idx++ {
			group.Go(func() error {
				pool.Add(&recordingCloser{log: &closed, mu: &mu})
				return nil
			})
		}
		require.NoError(t, group.Wait())
		require.NoError(t, pool.Close())
		assert.Len(t, closed, 100)
	})
}
