package i2c

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/TheCacophonyProject/event-reporter/v3/eventclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
)

type fakeBus struct {
	mu       sync.Mutex
	failures int
	calls    int
	reply    []byte
	lastAddr uint16
	lastW    []byte
}

func (f *fakeBus) Tx(addr uint16, w, r []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastAddr = addr
	f.lastW = append([]byte(nil), w...)
	if f.failures > 0 {
		f.failures--
		return errors.New("nack")
	}
	copy(r, f.reply)
	return nil
}

type fakeBusy struct {
	mu        sync.Mutex
	highReads int
	driven    []gpio.Level
	released  int
}

func (f *fakeBusy) Read() gpio.Level {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.highReads > 0 {
		f.highReads--
		return gpio.High
	}
	return gpio.Low
}

func (f *fakeBusy) Out(l gpio.Level) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.driven = append(f.driven, l)
	return nil
}

func (f *fakeBusy) In(pull gpio.Pull, edge gpio.Edge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
	return nil
}

func stubEvents(t *testing.T) chan eventclient.Event {
	events := make(chan eventclient.Event, 4)
	orig := addEvent
	addEvent = func(e eventclient.Event) error {
		events <- e
		return nil
	}
	t.Cleanup(func() { addEvent = orig })
	return events
}

func TestBrokerTx(t *testing.T) {
	bus := &fakeBus{reply: []byte{0x84, 0x84}}
	busy := &fakeBusy{}
	b := newBroker(bus, busy)

	data, dbusErr := b.Tx(0x08, []byte{0x00}, 2, 100)
	require.Nil(t, dbusErr)
	assert.Equal(t, []byte{0x84, 0x84}, data)
	assert.Equal(t, uint16(0x08), bus.lastAddr)
	assert.Equal(t, []byte{0x00}, bus.lastW)
	assert.Equal(t, []gpio.Level{gpio.High}, busy.driven)
	assert.Equal(t, 1, busy.released)
}

func TestBrokerRetries(t *testing.T) {
	bus := &fakeBus{failures: 2, reply: []byte{0x01}}
	b := newBroker(bus, &fakeBusy{})
	b.retryDelay = time.Millisecond

	data, dbusErr := b.Tx(0x08, []byte{0x00}, 1, 100)
	require.Nil(t, dbusErr)
	assert.Equal(t, []byte{0x01}, data)
	assert.Equal(t, 3, bus.calls)

	bus.failures = txRetries + 1
	_, dbusErr = b.Tx(0x08, []byte{0x00}, 1, 100)
	require.NotNil(t, dbusErr)
	assert.Equal(t, dbusName+".ErrorUsingI2CBus", dbusErr.Name)
}

func TestBrokerBusyTimeout(t *testing.T) {
	events := stubEvents(t)
	bus := &fakeBus{}
	busy := &fakeBusy{highReads: 1 << 30}
	b := newBroker(bus, busy)

	_, dbusErr := b.Tx(0x08, []byte{0x00}, 1, 5)
	require.NotNil(t, dbusErr)
	assert.Equal(t, dbusName+".BusyTimeout", dbusErr.Name)
	assert.Equal(t, 0, bus.calls)

	// Let the other master release the bus.
	busy.mu.Lock()
	busy.highReads = 0
	busy.mu.Unlock()

	select {
	case e := <-events:
		assert.Equal(t, "i2cBusyPinTimeout", e.Type)
		assert.Contains(t, e.Details, "seconds")
	case <-time.After(2 * time.Second):
		t.Fatal("no busy pin event")
	}
}
