package i2c

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/TheCacophonyProject/event-reporter/v3/eventclient"
	"github.com/godbus/dbus"
	"github.com/godbus/dbus/introspect"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

const (
	dbusName = "org.cacophony.i2c"
	dbusPath = "/org/cacophony/i2c"

	busyPinName = "GPIO13"
	txRetries   = 2
)

// hostBus is the part of periph's i2c.Bus the broker uses.
type hostBus interface {
	Tx(addr uint16, w, r []byte) error
}

// busyLine is the shared pin that other bus masters pull high while they are using the bus.
type busyLine interface {
	Read() gpio.Level
	Out(l gpio.Level) error
	In(pull gpio.Pull, edge gpio.Edge) error
}

var addEvent = eventclient.AddEvent

type broker struct {
	requests     chan request
	busy         busyLine
	bus          hostBus
	mutex        sync.Mutex
	requestCount int
	retryDelay   time.Duration

	waitMu        sync.Mutex
	waitingForBus bool
}

type request struct {
	requestTime time.Time
	requestID   int
	address     byte
	write       []byte
	readLen     int
	timeout     int
	response    chan response
}

type response struct {
	data []byte
	err  *dbus.Error
}

func newBroker(bus hostBus, busy busyLine) *broker {
	b := &broker{
		busy:       busy,
		bus:        bus,
		requests:   make(chan request, 20),
		retryDelay: 20 * time.Millisecond,
	}
	go func() {
		for req := range b.requests {
			req.response <- b.process(req)
		}
	}()
	return b
}

func startService() error {
	log.Info("Starting I2C service")
	conn, err := dbus.SystemBus()
	if err != nil {
		return err
	}
	reply, err := conn.RequestName(dbusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return err
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return errors.New("name already taken")
	}

	log.Debug("Initializing host")
	if _, err := host.Init(); err != nil {
		return err
	}
	bus, err := i2creg.Open("")
	if err != nil {
		return err
	}

	log.Debugf("Initializing pin '%s'", busyPinName)
	pin := gpioreg.ByName(busyPinName)
	if pin == nil {
		return fmt.Errorf("GPIO pin %s not found", busyPinName)
	}
	if err := pin.In(gpio.Float, gpio.NoEdge); err != nil {
		return err
	}

	b := newBroker(bus, pin)
	if err := conn.Export(b, dbusPath, dbusName); err != nil {
		return err
	}
	return conn.Export(genIntrospectable(b), dbusPath, "org.freedesktop.DBus.Introspectable")
}

func genIntrospectable(v interface{}) introspect.Introspectable {
	node := &introspect.Node{
		Interfaces: []introspect.Interface{{
			Name:    dbusName,
			Methods: introspect.Methods(v),
		}},
	}
	return introspect.NewIntrospectable(node)
}

/*
// Read SYS_STAT from a BQ769x0 with CRC enabled.
// Address: 		0x08
// Register:	 	0x00
// Read length: 2 (data, CRC)
// Timeout: 		100ms
dbus-send --system --print-reply --dest=org.cacophony.i2c /org/cacophony/i2c org.cacophony.i2c.Tx \
byte:0x08 \
array:byte:0x00 \
int32:2 \
int32:100
*/

// Tx queues a transaction and waits for it to run. CRC bytes, if the device
// uses them, are part of write and readLen.
func (b *broker) Tx(address byte, write []byte, readLen int, timeout int) ([]byte, *dbus.Error) {
	b.mutex.Lock()
	requestID := b.requestCount
	b.requestCount++
	b.mutex.Unlock()

	responseChan := make(chan response, 1)
	log.Debugf("Adding request '%d' to the queue", requestID)
	b.requests <- request{
		requestTime: time.Now(),
		requestID:   requestID,
		address:     address,
		write:       write,
		readLen:     readLen,
		timeout:     timeout,
		response:    responseChan,
	}

	res := <-responseChan
	return res.data, res.err
}

func (b *broker) process(req request) response {
	startTime := time.Now()
	log.Debugf("Waited %s for request '%d' to be processed.", startTime.Sub(req.requestTime), req.requestID)
	for b.busy.Read() != gpio.Low {
		if time.Since(startTime) > time.Duration(req.timeout)*time.Millisecond {
			b.waitMu.Lock()
			if !b.waitingForBus {
				b.waitingForBus = true
				go b.timeBusyDuration(startTime)
			}
			b.waitMu.Unlock()

			log.Infof("Request '%d' timed out waiting for bus pin", req.requestID)
			return response{err: dbus.NewError(dbusName+".BusyTimeout", nil)}
		}
		time.Sleep(2 * time.Millisecond)
	}
	log.Debugf("Waited %s for I2C busy pin to go low.", time.Since(startTime))
	if err := b.busy.Out(gpio.High); err != nil {
		return response{err: dbus.NewError(dbusName+".ErrorUsingBusyBusPin", []interface{}{err.Error()})}
	}
	defer b.busy.In(gpio.Float, gpio.NoEdge)

	read := make([]byte, req.readLen)
	var err error
	for i := 0; i <= txRetries; i++ {
		txStart := time.Now()
		if err = b.bus.Tx(uint16(req.address), req.write, read); err == nil {
			log.Debugf("I2C Tx to 0x%02X took %s after %d retries, response %v", req.address, time.Since(txStart), i, read)
			return response{data: read}
		}
		if i < txRetries {
			log.Debugf("I2C Tx failed, retrying %d more times: %s", txRetries-i, err)
			time.Sleep(b.retryDelay)
		}
	}
	log.Errorf("I2C Tx failed. Address 0x%02X, Write %v, ReadLen %d: %v", req.address, req.write, req.readLen, err)
	return response{err: dbus.NewError(dbusName+".ErrorUsingI2CBus", []interface{}{err.Error()})}
}

// timeBusyDuration reports how long another master held the bus once it lets go.
func (b *broker) timeBusyDuration(startTime time.Time) {
	log.Info("Checking how long I2C is busy for.")
	for b.busy.Read() != gpio.Low {
		time.Sleep(2 * time.Millisecond)
	}
	b.waitMu.Lock()
	b.waitingForBus = false
	b.waitMu.Unlock()

	waitTime := time.Since(startTime)
	log.Infof("Waited %s for I2C busy pin to go low.", waitTime)
	err := addEvent(eventclient.Event{
		Timestamp: time.Now(),
		Type:      "i2cBusyPinTimeout",
		Details:   map[string]interface{}{"seconds": waitTime.Seconds()},
	})
	if err != nil {
		log.Errorf("Error adding event: %v", err)
	}
}
