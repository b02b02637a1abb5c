// Package i2crequest moves I2C transactions either through the dbus I2C broker or
// straight onto the host bus.
package i2crequest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/godbus/dbus"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

const (
	dbusName = "org.cacophony.i2c"
	dbusPath = "/org/cacophony/i2c"

	// DefaultTimeout is how long in ms the broker waits for the bus to be free.
	DefaultTimeout = 1000
)

// Bus runs one I2C transaction: write the bytes then read readLen bytes back.
type Bus interface {
	Tx(address byte, write []byte, readLen int) ([]byte, error)
}

// Tx sends a transaction to the I2C broker service.
func Tx(address byte, write []byte, readLen, timeout int) ([]byte, error) {
	if mock := currentMock(); mock != nil {
		return mock.Tx(address, write, readLen)
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, err
	}
	obj := conn.Object(dbusName, dbusPath)

	var response []byte
	if err := obj.Call(dbusName+".Tx", 0, address, write, readLen, timeout).Store(&response); err != nil {
		return nil, err
	}
	if len(response) != readLen {
		return nil, fmt.Errorf("expected %d bytes from 0x%02X, got %d", readLen, address, len(response))
	}
	return response, nil
}

// CheckAddress reports whether a device acknowledges at the address, along with the
// error that made it look absent.
func CheckAddress(bus Bus, address byte) (bool, error) {
	_, err := bus.Tx(address, []byte{0x00}, 1)
	return err == nil, err
}

// DBusBus sends transactions through the I2C broker so other processes can share the bus.
type DBusBus struct {
	Timeout int
}

func (b DBusBus) Tx(address byte, write []byte, readLen int) ([]byte, error) {
	timeout := b.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return Tx(address, write, readLen, timeout)
}

// DirectBus drives the host I2C bus directly.
type DirectBus struct {
	bus i2c.Bus
}

// OpenDirect initialises the host and opens the default I2C bus.
func OpenDirect() (*DirectBus, error) {
	if _, err := host.Init(); err != nil {
		return nil, err
	}
	bus, err := i2creg.Open("")
	if err != nil {
		return nil, err
	}
	return &DirectBus{bus: bus}, nil
}

// NewDirectBus wraps an already open bus.
func NewDirectBus(bus i2c.Bus) *DirectBus {
	return &DirectBus{bus: bus}
}

func (b *DirectBus) Tx(address byte, write []byte, readLen int) ([]byte, error) {
	read := make([]byte, readLen)
	if err := b.bus.Tx(uint16(address), write, read); err != nil {
		return nil, err
	}
	return read, nil
}

// Close releases the underlying bus when it can be closed.
func (b *DirectBus) Close() error {
	if c, ok := b.bus.(i2c.BusCloser); ok {
		return c.Close()
	}
	return nil
}

// TxResponse is a scripted reply for MockBus.
type TxResponse struct {
	Response []byte
	Err      error
}

// MockBus replays scripted responses and records every transaction it was given.
type MockBus struct {
	mu        sync.Mutex
	responses []TxResponse
	Requests  []MockRequest
}

// MockRequest is one transaction seen by MockBus.
type MockRequest struct {
	Address byte
	Write   []byte
	ReadLen int
}

var errNoMockResponse = errors.New("no mock response left")

func NewMockBus(responses ...TxResponse) *MockBus {
	return &MockBus{responses: responses}
}

// Queue appends more scripted responses.
func (m *MockBus) Queue(responses ...TxResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, responses...)
}

// Remaining is how many scripted responses are still queued.
func (m *MockBus) Remaining() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.responses)
}

func (m *MockBus) Tx(address byte, write []byte, readLen int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, MockRequest{
		Address: address,
		Write:   append([]byte(nil), write...),
		ReadLen: readLen,
	})
	if len(m.responses) == 0 {
		return nil, errNoMockResponse
	}
	res := m.responses[0]
	m.responses = m.responses[1:]
	if res.Err != nil {
		return nil, res.Err
	}
	return res.Response, nil
}

var (
	mockMu sync.Mutex
	mock   *MockBus
)

// MockTxResponses makes the package level Tx replay the responses instead of calling the
// broker. Passing nil turns the mock off.
func MockTxResponses(responses []TxResponse) *MockBus {
	mockMu.Lock()
	defer mockMu.Unlock()
	if responses == nil {
		mock = nil
		return nil
	}
	mock = NewMockBus(responses...)
	return mock
}

func currentMock() *MockBus {
	mockMu.Lock()
	defer mockMu.Unlock()
	return mock
}
