package bms

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/godbus/dbus"
	"github.com/godbus/dbus/introspect"
)

const (
	dbusName = "org.cacophony.bms"
	dbusPath = "/org/cacophony/bms"

	commandTimeout = 5 * time.Second
)

type service struct {
	ctrl *controller
}

func startService(conn *dbus.Conn, ctrl *controller) error {
	reply, err := conn.RequestName(dbusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return err
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return errors.New("name already taken")
	}

	s := &service{ctrl: ctrl}
	if err := conn.Export(s, dbusPath, dbusName); err != nil {
		return err
	}
	return conn.Export(genIntrospectable(s), dbusPath, "org.freedesktop.DBus.Introspectable")
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

func (s service) run(name string, fn func(ctx context.Context) error) *dbus.Error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		return makeDbusError("."+name, err)
	}
	return nil
}

// ClearFaults clears every latched fault and the monitor's status bits.
func (s service) ClearFaults() *dbus.Error {
	return s.run("ClearFaults", s.ctrl.clearFaults)
}

// ForceFullAnchor tells the estimator the pack is full.
func (s service) ForceFullAnchor() *dbus.Error {
	return s.run("ForceFullAnchor", s.ctrl.forceFullAnchor)
}

// ForceEmptyAnchor tells the estimator the pack is empty.
func (s service) ForceEmptyAnchor() *dbus.Error {
	return s.run("ForceEmptyAnchor", s.ctrl.forceEmptyAnchor)
}

func (s service) ClearLearnedCapacity() *dbus.Error {
	return s.run("ClearLearnedCapacity", s.ctrl.clearLearnedCapacity)
}

// CCOneshot triggers a single coulomb counter conversion.
func (s service) CCOneshot() *dbus.Error {
	return s.run("CCOneshot", s.ctrl.ccOneshot)
}

// Status returns the latest outputs as JSON.
func (s service) Status() (string, *dbus.Error) {
	data, err := json.Marshal(s.ctrl.status.report())
	if err != nil {
		return "", makeDbusError(".Status", err)
	}
	return string(data), nil
}

func makeDbusError(name string, err error) *dbus.Error {
	return &dbus.Error{
		Name: dbusName + name,
		Body: []interface{}{err.Error()},
	}
}
