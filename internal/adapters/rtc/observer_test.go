package rtc

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huddlekit/huddle/internal/core"
)

type observerCapture struct {
	mu       sync.Mutex
	batches  [][]core.VolumeSample
	silences int
}

func (c *observerCapture) attach(o *levelObserver) {
	o.onVolumes(func(batch []core.VolumeSample) {
		c.mu.Lock()
		c.batches = append(c.batches, batch)
		c.mu.Unlock()
	})
	o.onSilence(func() {
		c.mu.Lock()
		c.silences++
		c.mu.Unlock()
	})
}

func TestObserverKeepsLoudestPerProducer(t *testing.T) {
	o := newLevelObserver(-70)
	rec := &observerCapture{}
	rec.attach(o)

	o.record("p1", -40)
	o.record("p1", -25)
	o.record("p1", -60)
	o.tick()

	require.Len(t, rec.batches, 1)
	require.Len(t, rec.batches[0], 1)
	assert.Equal(t, core.VolumeSample{ProducerID: "p1", Volume: -25}, rec.batches[0][0])
}

func TestObserverFiltersBelowThreshold(t *testing.T) {
	o := newLevelObserver(-70)
	rec := &observerCapture{}
	rec.attach(o)

	o.record("quiet", -90)
	o.record("loud", -30)
	o.tick()

	require.Len(t, rec.batches, 1)
	require.Len(t, rec.batches[0], 1)
	assert.Equal(t, "loud", rec.batches[0][0].ProducerID)
}

func TestObserverSilenceFiresOncePerLull(t *testing.T) {
	o := newLevelObserver(-70)
	rec := &observerCapture{}
	rec.attach(o)

	// Silent from the start: no transition, no callback.
	o.tick()
	assert.Equal(t, 0, rec.silences)

	o.record("p1", -30)
	o.tick()
	o.tick()
	o.tick()
	assert.Equal(t, 1, rec.silences, "one transition into silence, not one per tick")
	assert.Len(t, rec.batches, 1)

	o.record("p1", -30)
	o.tick()
	o.tick()
	assert.Equal(t, 2, rec.silences)
}

func TestObserverForget(t *testing.T) {
	o := newLevelObserver(-70)
	rec := &observerCapture{}
	rec.attach(o)

	o.record("p1", -30)
	o.forget("p1")
	o.tick()
	assert.Empty(t, rec.batches)
}
