package afk

import (
	"bytes"
	"fmt"

	"afk/internal/journal"
)

// AnnounceHandler is invoked when a frame arrives on a channel with no
// registered service and carries an announce-class report. Platform
// layers install their own handler to parse platform-specific announce
// payloads (property lists, fixed binary records) and call
// RegisterService with what they extract.
type AnnounceHandler func(ep *Endpoint, subtype uint16, channel uint32, payload []byte)

// announceNameLen is the fixed name field at the head of a plain
// announce payload, NUL-padded.
const announceNameLen = 32

// DefaultAnnounce parses the plain form of an announce: a 32-byte
// NUL-padded service name, optionally followed by provider properties
// this handler does not interpret.
func DefaultAnnounce(ep *Endpoint, subtype uint16, channel uint32, payload []byte) {
	if len(payload) < announceNameLen {
		ep.log.Error("announce payload too small", "channel", channel, "len", len(payload))
		return
	}
	name := string(bytes.TrimRight(payload[:announceNameLen], "\x00"))
	if _, err := ep.RegisterService(channel, name, "", -1); err != nil {
		ep.log.Error("announce rejected", "channel", channel, "name", name, "err", err)
	}
}

// matchOps scans the ops table for an exact name match; the first
// non-empty match wins.
func (ep *Endpoint) matchOps(name string) ServiceOps {
	if name == "" {
		return nil
	}
	for _, ops := range ep.ops {
		if ops.Name() == "" {
			continue
		}
		if ops.Name() == name {
			return ops
		}
	}
	return nil
}

// RegisterService creates and enables a service on the given channel,
// matching name against the endpoint's ops table. Capacity and
// duplicate-channel violations are rejected without disturbing the
// registry.
func (ep *Endpoint) RegisterService(channel uint32, name, class string, unit int64) (*Service, error) {
	matchName := name
	if class != "" {
		matchName = class
	}
	ops := ep.matchOps(matchName)
	if ops == nil {
		return nil, fmt.Errorf("%w: %q on channel %d", ErrUnknownService, matchName, channel)
	}

	ep.mu.Lock()
	if existing := ep.findServiceLocked(channel); existing != nil {
		ep.mu.Unlock()
		return nil, fmt.Errorf("%w: channel %d already bound to %q", ErrChannelBusy, channel, existing.name)
	}
	if ep.numChannels >= MaxChannels {
		ep.mu.Unlock()
		return nil, fmt.Errorf("%w: %d channels in use", ErrTooManyServices, ep.numChannels)
	}
	svc := &Service{
		ep:      ep,
		ops:     ops,
		channel: channel,
		name:    name,
		class:   class,
		unit:    unit,
		enabled: true,
	}
	ep.services[ep.numChannels] = svc
	ep.numChannels++
	ep.mu.Unlock()

	ops.Init(svc, name, class, unit)
	ep.log.Info("new service", "name", name, "channel", channel)
	ep.journal(journal.KindServiceAnnounced, channel, name, class)
	return svc, nil
}

// FindService returns the enabled service bound to channel, or nil.
// A disabled service's channel may be rebound by a later announce.
func (ep *Endpoint) FindService(channel uint32) *Service {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.findServiceLocked(channel)
}

func (ep *Endpoint) findServiceLocked(channel uint32) *Service {
	for i := 0; i < ep.numChannels; i++ {
		svc := ep.services[i]
		if svc.Enabled() && svc.channel == channel {
			return svc
		}
	}
	return nil
}

// NumChannels returns the number of channel slots consumed so far,
// including disabled services whose slots are not reclaimed.
func (ep *Endpoint) NumChannels() int {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.numChannels
}
