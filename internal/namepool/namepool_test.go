package namepool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInternIdentity(t *testing.T) {
	p := New()

	a1 := p.Intern([]byte("alpha"))
	a2 := p.Intern([]byte("alpha"))
	b1 := p.Intern([]byte("beta"))

	assert.True(t, a1 == a2, "equal byte sequences must yield identical handles")
	assert.False(t, a1 == b1)
	assert.Equal(t, 2, p.Len())
}

func TestInternConcurrent(t *testing.T) {
	p := New()
	const goroutines = 64
	const names = 8

	var wg sync.WaitGroup
	results := make([][]*Name, goroutines)
	for g := 0; g < goroutines; g++ {
		g := g
		results[g] = make([]*Name, names)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < names; i++ {
				results[g][i] = p.InternString(string(rune('a' + i)))
			}
		}()
	}
	wg.Wait()

	require.Equal(t, names, p.Len())
	for i := 0; i < names; i++ {
		for g := 1; g < goroutines; g++ {
			assert.Same(t, results[0][i], results[g][i])
		}
	}
}

func TestNameBytesAndLen(t *testing.T) {
	p := New()
	n := p.InternString("hello")
	assert.Equal(t, []byte("hello"), n.Bytes())
	assert.Equal(t, 5, n.Len())
	assert.Equal(t, "hello", n.String())
}
