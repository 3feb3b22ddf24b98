package rtc

import (
	"sync"
	"time"

	"github.com/huddlekit/huddle/internal/core"
)

// levelObserver batches per-producer loudness readings on a fixed cadence.
// Between ticks it keeps only the loudest reading per producer; a tick with
// nothing above the threshold fires the silence callback instead.
type levelObserver struct {
	mu        sync.Mutex
	samples   map[string]int
	volumesFn func([]core.VolumeSample)
	silenceFn func()
	threshold int
	wasActive bool
	done      chan struct{}
}

func newLevelObserver(threshold int) *levelObserver {
	return &levelObserver{
		samples:   make(map[string]int),
		threshold: threshold,
		done:      make(chan struct{}),
	}
}

func (o *levelObserver) onVolumes(fn func([]core.VolumeSample)) {
	o.mu.Lock()
	o.volumesFn = fn
	o.mu.Unlock()
}

func (o *levelObserver) onSilence(fn func()) {
	o.mu.Lock()
	o.silenceFn = fn
	o.mu.Unlock()
}

func (o *levelObserver) record(producerID string, volume int) {
	o.mu.Lock()
	if cur, ok := o.samples[producerID]; !ok || volume > cur {
		o.samples[producerID] = volume
	}
	o.mu.Unlock()
}

func (o *levelObserver) forget(producerID string) {
	o.mu.Lock()
	delete(o.samples, producerID)
	o.mu.Unlock()
}

func (o *levelObserver) run(interval time.Duration) {
	if interval <= 0 {
		interval = 800 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-o.done:
			return
		case <-ticker.C:
			o.tick()
		}
	}
}

func (o *levelObserver) tick() {
	o.mu.Lock()
	var batch []core.VolumeSample
	for pid, vol := range o.samples {
		if vol >= o.threshold {
			batch = append(batch, core.VolumeSample{ProducerID: pid, Volume: vol})
		}
	}
	o.samples = make(map[string]int)
	volumesFn, silenceFn := o.volumesFn, o.silenceFn
	active := len(batch) > 0
	fireSilence := !active && o.wasActive
	o.wasActive = active
	o.mu.Unlock()

	if active && volumesFn != nil {
		volumesFn(batch)
	}
	if fireSilence && silenceFn != nil {
		silenceFn()
	}
}

func (o *levelObserver) stop() {
	select {
	case <-o.done:
	default:
		close(o.done)
	}
}
