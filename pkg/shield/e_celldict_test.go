package shield

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func strLess(a, b string) bool { return a < b }

func TestDictGetAbsentKeyReturnsDefault(t *testing.T) {
	d := NewShieldedDict(strLess, -1)
	v, ok := d.Get("missing")
	assert.False(t, ok)
	assert.Equal(t, -1, v)
}

func TestDictSetAndGetOutsideTransaction(t *testing.T) {
	r := NewRunner()
	d := NewShieldedDict(strLess, 0)

	assert.NoError(t, r.InTransaction(func() error {
		d.Set("a", 1)
		return nil
	}))

	v, ok := d.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestDictDeleteProducesTombstone(t *testing.T) {
	r := NewRunner()
	d := NewShieldedDict(strLess, 0)

	assert.NoError(t, r.InTransaction(func() error {
		d.Set("a", 1)
		return nil
	}))
	assert.NoError(t, r.InTransaction(func() error {
		d.Delete("a")
		return nil
	}))

	v, ok := d.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, v)
}

func TestDictReadYourWrites(t *testing.T) {
	r := NewRunner()
	d := NewShieldedDict(strLess, 0)

	assert.NoError(t, r.InTransaction(func() error {
		d.Set("a", 1)
		v, ok := d.Get("a")
		assert.True(t, ok)
		assert.Equal(t, 1, v)
		return nil
	}))
}

func TestDictWritableReadCollisionRetries(t *testing.T) {
	r := NewRunner()
	d := NewShieldedDict(strLess, 0)
	assert.NoError(t, r.InTransaction(func() error {
		d.Set("a", 1)
		return nil
	}))

	started := make(chan struct{})
	release := make(chan struct{})
	attempts := 0

	done := make(chan error, 1)
	go func() {
		done <- r.InTransaction(func() error {
			attempts++
			d.Set("a", 2) // locally written
			if attempts == 1 {
				close(started)
				<-release
			}
			_, _ = d.Get("a") // must not see a committed version past our snapshot
			return nil
		})
	}()

	<-started
	assert.NoError(t, r.InTransaction(func() error {
		d.Set("a", 100)
		return nil
	}))
	close(release)

	assert.NoError(t, <-done)
	assert.GreaterOrEqual(t, attempts, 2)

	v, _ := d.Get("a")
	assert.Equal(t, 2, v)
}
