// Package mdns advertises the KOReader sync endpoint over Avahi so
// readers on the local network can discover the bridge without typing an
// address.
package mdns

import (
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/holoplot/go-avahi"

	"github.com/shelfsync/shelfsync-server/internal/errors"
	"github.com/shelfsync/shelfsync-server/internal/logger"
)

const (
	// ServiceType is the advertised mDNS service type. It names the
	// protocol being served, not the bridge, so generic kosync clients
	// can find it.
	ServiceType = "_kosync._tcp"

	serverVersion = "1.0.0"
)

// Service manages the Avahi advertisement. Advertisement is best effort:
// containers usually have no D-Bus, and the bridge works fine without it.
type Service struct {
	log *logger.Logger

	mu     sync.Mutex
	server *avahi.Server
	group  *avahi.EntryGroup
}

// NewService creates an idle advertiser.
func NewService(log *logger.Logger) *Service {
	return &Service{log: log}
}

// Start registers the service with the Avahi daemon over the system bus.
// Call after the sync listener is accepting connections.
func (s *Service) Start(name string, port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		s.server.Close()
		s.server, s.group = nil, nil
	}

	conn, err := dbus.SystemBus()
	if err != nil {
		return errors.Wrap(err, errors.KindTransient, "connect system bus")
	}
	server, err := avahi.ServerNew(conn)
	if err != nil {
		return errors.Wrap(err, errors.KindTransient, "connect avahi daemon")
	}

	host, err := server.GetHostNameFqdn()
	if err != nil {
		server.Close()
		return errors.Wrap(err, errors.KindTransient, "resolve avahi hostname")
	}
	group, err := server.EntryGroupNew()
	if err != nil {
		server.Close()
		return errors.Wrap(err, errors.KindTransient, "create avahi entry group")
	}

	txt := [][]byte{[]byte("version=" + serverVersion)}
	if err := group.AddService(avahi.InterfaceUnspec, avahi.ProtoUnspec, 0,
		name, ServiceType, "", host, uint16(port), txt); err != nil {
		server.Close()
		return errors.Wrap(err, errors.KindTransient, "register avahi service")
	}
	if err := group.Commit(); err != nil {
		server.Close()
		return errors.Wrap(err, errors.KindTransient, "commit avahi entry group")
	}

	s.server = server
	s.group = group
	s.log.Info("mdns advertisement started",
		"service", ServiceType, "name", name, "port", port)
	return nil
}

// Stop withdraws the advertisement. Safe to call repeatedly or before
// Start.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return
	}
	s.server.Close()
	s.server, s.group = nil, nil
	s.log.Info("mdns advertisement stopped")
}
