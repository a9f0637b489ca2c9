package osdmap

import "time"

// XInfo is the learned history of a device used by failure detection.
type XInfo struct {
	DownStamp        time.Time `json:"down_stamp"`
	LaggyProbability float64   `json:"laggy_probability"`
	LaggyInterval    float64   `json:"laggy_interval"` // seconds
	LastCleanBegin   Epoch     `json:"last_clean_begin"`
	LastCleanEnd     Epoch     `json:"last_clean_end"`
	DeadEpoch        Epoch     `json:"dead_epoch"`
	OldWeight        uint32    `json:"old_weight"`
}

type Device struct {
	ID              DeviceID          `json:"id"`
	State           uint32            `json:"state"`
	Weight          uint32            `json:"weight"`
	PrimaryAffinity uint32            `json:"primary_affinity"`
	UUID            string            `json:"uuid,omitempty"`
	Addr            string            `json:"addr,omitempty"`
	UpFrom          Epoch             `json:"up_from"`
	DownAt          Epoch             `json:"down_at"`
	Location        map[string]string `json:"location,omitempty"`
	XInfo           XInfo             `json:"xinfo"`
}

func (d Device) Exists() bool      { return d.State&StateExists != 0 }
func (d Device) IsUp() bool        { return d.Exists() && d.State&StateUp != 0 }
func (d Device) IsIn() bool        { return d.Exists() && d.Weight != WeightOut }
func (d Device) IsNew() bool       { return d.State&StateNew != 0 }
func (d Device) IsAutoOut() bool   { return d.State&StateAutoOut != 0 }
func (d Device) IsDestroyed() bool { return d.State&StateDestroyed != 0 }

func (d Device) Clone() Device {
	c := d
	if d.Location != nil {
		c.Location = make(map[string]string, len(d.Location))
		for k, v := range d.Location {
			c.Location[k] = v
		}
	}
	return c
}
