package state

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/ntbqp/internal/transport"
)

// ErrAlreadyRegistered is returned when a device already has a transport.
var ErrAlreadyRegistered = errors.New("state: device already has a transport")

// NodeState holds the transports bound on this node, keyed by device name
type NodeState struct {
	nodeName   string
	transports map[string]*transport.Transport
	mutex      sync.RWMutex
}

// NewNodeState creates a new, empty node state
func NewNodeState(nodeName string) *NodeState {
	return &NodeState{
		nodeName:   nodeName,
		transports: make(map[string]*transport.Transport),
	}
}

// GetNodeName returns the node name
func (s *NodeState) GetNodeName() string {
	return s.nodeName
}

// Register records the transport bound to its device
func (s *NodeState) Register(t *transport.Transport) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	name := t.DeviceName()
	if _, ok := s.transports[name]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	s.transports[name] = t

	log.Info().
		Str("node", s.nodeName).
		Str("device", name).
		Str("transport", t.ID()).
		Msg("Transport registered")
	return nil
}

// Unregister removes the transport of a device and returns it, or nil if
// none was registered. Closing it is up to the caller.
func (s *NodeState) Unregister(deviceName string) *transport.Transport {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	t, ok := s.transports[deviceName]
	if !ok {
		return nil
	}
	delete(s.transports, deviceName)
	log.Info().Str("node", s.nodeName).Str("device", deviceName).Msg("Transport unregistered")
	return t
}

// GetTransport returns the transport bound to a device
func (s *NodeState) GetTransport(deviceName string) (*transport.Transport, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	t, ok := s.transports[deviceName]
	return t, ok
}

// GetTransports returns all transports ordered by device name
func (s *NodeState) GetTransports() []*transport.Transport {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	names := make([]string, 0, len(s.transports))
	for name := range s.transports {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*transport.Transport, 0, len(names))
	for _, name := range names {
		out = append(out, s.transports[name])
	}
	return out
}

// QueueStats collects the stats of every queue pair in use on the node
func (s *NodeState) QueueStats() []transport.QueueStats {
	var stats []transport.QueueStats
	for _, t := range s.GetTransports() {
		stats = append(stats, t.Stats()...)
	}
	return stats
}

// Close unregisters and closes every transport
func (s *NodeState) Close() error {
	s.mutex.Lock()
	transports := s.transports
	s.transports = make(map[string]*transport.Transport)
	s.mutex.Unlock()

	var errs []error
	for name, t := range transports {
		if err := t.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close transport on %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
