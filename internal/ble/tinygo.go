package ble

import (
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/brewbeat/internal/gatt"
)

// TinyGoStack wraps tinygo-org/bluetooth in peripheral mode.
type TinyGoStack struct {
	adapter *bluetooth.Adapter

	mu      sync.Mutex
	adv     *bluetooth.Advertisement
	chars   map[gatt.Handle]*bluetooth.Characteristic
	devices map[string]bluetooth.Device // keyed by address string
}

// NewTinyGoStack creates a stack on the default adapter.
func NewTinyGoStack() *TinyGoStack {
	return &TinyGoStack{
		adapter: bluetooth.DefaultAdapter,
		chars:   make(map[gatt.Handle]*bluetooth.Characteristic),
		devices: make(map[string]bluetooth.Device),
	}
}

func (s *TinyGoStack) Enable() error {
	if err := s.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}
	return nil
}

func (s *TinyGoStack) SetConnectHandler(h ConnectHandler) {
	s.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		addr := device.Address.String()
		s.mu.Lock()
		if connected {
			s.devices[addr] = device
		} else {
			delete(s.devices, addr)
		}
		s.mu.Unlock()
		h(addr, device.Address.IsRandom(), connected)
	})
}

func (s *TinyGoStack) AddService(svc Service, onWrite WriteHandler) error {
	svcUUID, err := bluetooth.ParseUUID(svc.UUID)
	if err != nil {
		return fmt.Errorf("ble: parse service UUID: %w", err)
	}

	configs := make([]bluetooth.CharacteristicConfig, 0, len(svc.Characteristics))
	for _, c := range svc.Characteristics {
		uuid, err := bluetooth.ParseUUID(c.UUID)
		if err != nil {
			return fmt.Errorf("ble: parse characteristic UUID: %w", err)
		}
		handle := new(bluetooth.Characteristic)
		s.mu.Lock()
		s.chars[c.Handle] = handle
		s.mu.Unlock()

		cfg := bluetooth.CharacteristicConfig{
			Handle: handle,
			UUID:   uuid,
			Value:  c.Value,
			Flags:  permissions(c.Flags),
		}
		if c.Flags&CharWrite != 0 {
			h := c.Handle
			cfg.WriteEvent = func(_ bluetooth.Connection, _ int, value []byte) {
				onWrite(h, append([]byte(nil), value...))
			}
		}
		configs = append(configs, cfg)
	}

	if err := s.adapter.AddService(&bluetooth.Service{UUID: svcUUID, Characteristics: configs}); err != nil {
		return fmt.Errorf("ble: add service %s: %w", svc.UUID, err)
	}
	return nil
}

func permissions(f CharFlags) bluetooth.CharacteristicPermissions {
	var p bluetooth.CharacteristicPermissions
	if f&CharRead != 0 {
		p |= bluetooth.CharacteristicReadPermission
	}
	if f&CharWrite != 0 {
		p |= bluetooth.CharacteristicWritePermission
	}
	if f&CharNotify != 0 {
		p |= bluetooth.CharacteristicNotifyPermission
	}
	return p
}

func (s *TinyGoStack) Advertise(adv Advertisement) error {
	uuids := make([]bluetooth.UUID, 0, len(adv.ServiceUUIDs))
	for _, u := range adv.ServiceUUIDs {
		uuid, err := bluetooth.ParseUUID(u)
		if err != nil {
			return fmt.Errorf("ble: parse advertised UUID: %w", err)
		}
		uuids = append(uuids, uuid)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adv == nil {
		s.adv = s.adapter.DefaultAdvertisement()
	} else {
		// Reconfiguring requires a stopped advertisement.
		_ = s.adv.Stop()
	}
	err := s.adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    adv.LocalName,
		ServiceUUIDs: uuids,
		Interval:     bluetooth.NewDuration(adv.Interval),
	})
	if err != nil {
		return fmt.Errorf("ble: configure advertisement: %w", err)
	}
	if err := s.adv.Start(); err != nil {
		return fmt.Errorf("ble: start advertising: %w", err)
	}
	return nil
}

func (s *TinyGoStack) StopAdvertising() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adv == nil {
		return nil
	}
	if err := s.adv.Stop(); err != nil {
		return fmt.Errorf("ble: stop advertising: %w", err)
	}
	return nil
}

func (s *TinyGoStack) Notify(handle gatt.Handle, data []byte) error {
	s.mu.Lock()
	c, ok := s.chars[handle]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("ble: no characteristic for handle %#04x", handle)
	}
	if _, err := c.Write(data); err != nil {
		return fmt.Errorf("ble: notify %#04x: %w", handle, err)
	}
	return nil
}

func (s *TinyGoStack) Disconnect(addr string) error {
	s.mu.Lock()
	d, ok := s.devices[addr]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("ble: no connection to %s", addr)
	}
	if err := d.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect %s: %w", addr, err)
	}
	return nil
}

// Compile-time check that TinyGoStack implements Stack.
var _ Stack = (*TinyGoStack)(nil)
