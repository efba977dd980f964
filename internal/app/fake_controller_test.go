package app

import (
	"fmt"

	"github.com/chaz8081/brewbeat/internal/bonding"
	"github.com/chaz8081/brewbeat/internal/connparam"
	"github.com/chaz8081/brewbeat/internal/gatt"
)

type advert struct {
	mode      AdvertMode
	whitelist bool
}

type accessResponse struct {
	handle gatt.Handle
	status gatt.Status
	value  []byte
}

type notification struct {
	conn   gatt.ConnID
	handle gatt.Handle
	data   []byte
}

// fakeController records every request the machine makes.
type fakeController struct {
	adverts     []advert
	stops       int
	whitelist   map[bonding.Address]bool
	resets      int
	disconnects []gatt.ConnID
	paramReqs   []connparam.Params
	verdicts    []bool
	responses   []accessResponse
	notes       []notification
	published   map[gatt.Handle][]byte
	addErr      error
	deleteErr   error
	notifyCalls int
}

func newFakeController() *fakeController {
	return &fakeController{
		whitelist: make(map[bonding.Address]bool),
		published: make(map[gatt.Handle][]byte),
	}
}

func (f *fakeController) StartAdvertising(mode AdvertMode, whitelist bool) error {
	f.adverts = append(f.adverts, advert{mode, whitelist})
	return nil
}

func (f *fakeController) StopAdvertising() error {
	f.stops++
	return nil
}

func (f *fakeController) AddWhitelist(addr bonding.Address) error {
	if f.addErr != nil {
		return f.addErr
	}
	f.whitelist[addr] = true
	return nil
}

func (f *fakeController) DeleteWhitelist(addr bonding.Address) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if !f.whitelist[addr] {
		return fmt.Errorf("%s not whitelisted", addr)
	}
	delete(f.whitelist, addr)
	return nil
}

func (f *fakeController) ResetWhitelist() error {
	f.resets++
	clear(f.whitelist)
	return nil
}

func (f *fakeController) Disconnect(conn gatt.ConnID) error {
	f.disconnects = append(f.disconnects, conn)
	return nil
}

func (f *fakeController) RequestConnParams(p connparam.Params) error {
	f.paramReqs = append(f.paramReqs, p)
	return nil
}

func (f *fakeController) DiversifierVerdict(conn gatt.ConnID, approve bool) {
	f.verdicts = append(f.verdicts, approve)
}

func (f *fakeController) AccessResponse(conn gatt.ConnID, h gatt.Handle, status gatt.Status, value []byte) {
	f.responses = append(f.responses, accessResponse{h, status, value})
}

func (f *fakeController) Notify(conn gatt.ConnID, h gatt.Handle, data []byte) error {
	f.notifyCalls++
	f.notes = append(f.notes, notification{conn, h, append([]byte(nil), data...)})
	return nil
}

func (f *fakeController) Publish(h gatt.Handle, value []byte) error {
	f.published[h] = append([]byte(nil), value...)
	return nil
}

func (f *fakeController) lastAdvert() advert {
	if len(f.adverts) == 0 {
		return advert{mode: -1}
	}
	return f.adverts[len(f.adverts)-1]
}

type fakeIndicator struct {
	signals []Signal
}

func (f *fakeIndicator) Signal(s Signal) {
	f.signals = append(f.signals, s)
}
