package events

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/partkeeper/pkg/mailbox"
)

func TestNotifySetDeliversOncePerSubscriber(t *testing.T) {
	n := NewNotifySet()
	received := 0
	ref := mailbox.FuncRef{RefID: "sub-1", Fn: func(interface{}) { received++ }}

	n.Subscribe(ref)
	n.Publish(PartitionRemoval{})
	assert.Equal(t, 1, received)
	assert.Equal(t, 1, n.Len())
}

func TestNotifySetRefCounting(t *testing.T) {
	n := NewNotifySet()
	ref := mailbox.FuncRef{RefID: "sub-1", Fn: func(interface{}) {}}

	n.Subscribe(ref)
	n.Subscribe(ref)
	assert.Equal(t, 1, n.Len())

	n.Unsubscribe(ref)
	assert.Equal(t, 1, n.Len(), "still subscribed once after one unsubscribe")

	n.Unsubscribe(ref)
	assert.Equal(t, 0, n.Len())
}

func TestNotifySetStopsDeliveryAfterFullUnsubscribe(t *testing.T) {
	n := NewNotifySet()
	received := 0
	ref := mailbox.FuncRef{RefID: "sub-1", Fn: func(interface{}) { received++ }}

	n.Subscribe(ref)
	n.Unsubscribe(ref)
	n.Publish(PartitionRemoval{})
	assert.Equal(t, 0, received)
}
