package mailbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMailboxProcessesInOrder(t *testing.T) {
	var got []int
	done := make(chan struct{})
	m := New(8, func(msg interface{}) {
		got = append(got, msg.(int))
		if len(got) == 3 {
			close(done)
		}
	})
	defer m.Close()

	m.Send(1)
	m.Send(2)
	m.Send(3)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("messages not processed in time")
	}
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestStashUnstashReplaysInOrder(t *testing.T) {
	var got []int
	done := make(chan struct{})
	var m *Mailbox
	m = New(8, func(msg interface{}) {
		n := msg.(int)
		if n < 0 {
			m.Stash(-n)
			return
		}
		got = append(got, n)
		if len(got) == 2 {
			close(done)
		}
	})
	defer m.Close()

	m.Send(-1)
	m.Send(-2)
	time.Sleep(10 * time.Millisecond)
	m.Unstash()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stashed messages not replayed in time")
	}
	assert.Equal(t, []int{1, 2}, got)
}
