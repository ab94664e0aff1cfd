package helpers

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerial(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		check func(testing.TB, *Serial)
	}{
		{"order", func(t testing.TB, s *Serial) {
			const n = 200
			got := make([]int, 0, n)
			done := make(chan struct{})
			for i := 0; i < n; i++ {
				i := i
				require.True(t, s.Submit(func() {
					got = append(got, i)
					if i == n-1 {
						close(done)
					}
				}))
			}
			<-done
			for i := 0; i < n; i++ {
				assert.Equal(t, i, got[i])
			}
		}},
		{"no-overlap", func(t testing.TB, s *Serial) {
			var mu sync.Mutex
			running, maxRunning := 0, 0
			wg := sync.WaitGroup{}
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go s.Submit(func() {
					defer wg.Done()
					mu.Lock()
					running++
					if running > maxRunning {
						maxRunning = running
					}
					mu.Unlock()
					time.Sleep(time.Millisecond)
					mu.Lock()
					running--
					mu.Unlock()
				})
			}
			wg.Wait()
			assert.Equal(t, 1, maxRunning)
		}},
		{"reentrant-submit", func(t testing.TB, s *Serial) {
			done := make(chan struct{})
			s.Submit(func() {
				s.Submit(func() { close(done) })
			})
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("nested submit did not run")
			}
		}},
		{"stop-drains", func(t testing.TB, s *Serial) {
			count := 0
			block := make(chan struct{})
			s.Submit(func() { <-block })
			for i := 0; i < 10; i++ {
				s.Submit(func() { count++ })
			}
			s.Stop()
			assert.False(t, s.Submit(func() { count += 100 }))
			close(block)
			s.Wait()
			assert.Equal(t, 10, count)
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			s := NewSerial()
			defer s.Stop()
			c.check(t, s)
		})
	}
}
