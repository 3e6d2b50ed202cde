package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubRoutesByRunID(t *testing.T) {
	h := NewHub(4)
	a, stopA := h.Subscribe("run-a")
	defer stopA()
	b, stopB := h.Subscribe("run-b")
	defer stopB()

	NewEmitter(h, "run-a", false).Step("click", "clicking Submit")

	select {
	case e := <-a:
		assert.Equal(t, "run-a", e.RunID)
		assert.Equal(t, KindStep, e.Kind)
		assert.Equal(t, "clicking Submit", e.Message)
		assert.False(t, e.Time.IsZero())
	default:
		t.Fatal("subscriber of run-a got nothing")
	}
	assert.Len(t, b, 0)
}

func TestHubDropsWhenSubscriberIsFull(t *testing.T) {
	h := NewHub(1)
	ch, stop := h.Subscribe("r")
	defer stop()

	em := NewEmitter(h, "r", false)
	em.Log("info", "one", "")
	em.Log("info", "two", "")

	require.Len(t, ch, 1)
	assert.Equal(t, "one", (<-ch).Title)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub(1)
	ch, stop := h.Subscribe("r")
	stop()
	stop()

	_, ok := <-ch
	assert.False(t, ok)
	h.Publish(Event{RunID: "r"})
}

func TestImagesOnlyInDebug(t *testing.T) {
	h := NewHub(4)
	ch, stop := h.Subscribe("r")
	defer stop()

	NewEmitter(h, "r", false).Image("grid", []byte{1, 2, 3})
	assert.Len(t, ch, 0)

	NewEmitter(h, "r", true).Image("grid", []byte{1, 2, 3})
	require.Len(t, ch, 1)
	assert.Equal(t, "AQID", (<-ch).ImageBase64)
}

func TestEmitterFromContext(t *testing.T) {
	assert.Nil(t, From(context.Background()))
	var nilEmitter *Emitter
	nilEmitter.Step("x", "y")
	nilEmitter.Image("x", []byte{1})

	em := NewEmitter(nil, "r", true)
	ctx := WithEmitter(context.Background(), em)
	assert.Same(t, em, From(ctx))
	assert.Equal(t, "r", From(ctx).RunID())
}
