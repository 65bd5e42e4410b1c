// Package sensor turns readings into Home Assistant sensor entities.
package sensor

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pescbridge/pescbridge/pkg/meters"
	"github.com/pescbridge/pescbridge/pkg/pesc"
	"github.com/pescbridge/pescbridge/pkg/tariff"
	"github.com/pescbridge/pescbridge/pkg/types"
)

const (
	KindMeter = "meter"
	KindRate  = "rate"

	StateClassTotalIncreasing = "total_increasing"
	EntityCategoryDiagnostic  = "diagnostic"

	// FeatureManual marks meters that accept manual readings.
	FeatureManual = 1

	unitKWh      = "kWh"
	unitM3       = "m³"
	currencyRUB  = "RUB"
	iconCurrency = "mdi:currency-rub"
)

// Device groups the sensors of one account.
type Device struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// Sensor is the published view of a meter scale or its tariff rate.
type Sensor struct {
	UniqueID          string         `json:"uniqueID"`
	ReadingID         string         `json:"readingID"`
	Kind              string         `json:"kind"`
	Name              string         `json:"name"`
	State             any            `json:"state"`
	Unit              string         `json:"unit,omitempty"`
	DeviceClass       string         `json:"deviceClass,omitempty"`
	StateClass        string         `json:"stateClass,omitempty"`
	EntityCategory    string         `json:"entityCategory,omitempty"`
	Icon              string         `json:"icon,omitempty"`
	SupportedFeatures int            `json:"supportedFeatures"`
	AssumedState      bool           `json:"assumedState"`
	Attributes        map[string]any `json:"attributes"`
	Device            Device         `json:"device"`
}

// Manual reports whether a reading can be submitted for the sensor.
func (s Sensor) Manual() bool {
	return s.SupportedFeatures&FeatureManual != 0
}

// StateString formats the state for MQTT. Unknown states are "None" which
// Home Assistant treats as unknown for numeric sensors.
func (s Sensor) StateString() string {
	switch v := s.State.(type) {
	case nil:
		return "None"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

// Options controls which sensors are built.
type Options struct {
	EntryID           string
	RatesSensors      bool
	DiagnosticSensors bool
	// AssumedState is set when the last refresh failed
	AssumedState bool
}

// OptionsFromSettings returns the sensor options stored for an entry.
func OptionsFromSettings(entryID string, s types.Settings) Options {
	return Options{
		EntryID:           entryID,
		RatesSensors:      s.RatesSensors,
		DiagnosticSensors: s.DiagnosticSensors,
	}
}

// Build returns the sensors for every reading of api.
func Build(ctx context.Context, api *meters.API, opts Options) []Sensor {
	manufacturer := api.ProfileName()
	var res []Sensor
	for _, r := range api.Readings() {
		device := DeviceFor(opts.EntryID, manufacturer, r.Account)
		res = append(res, Meter(ctx, api, r, device, opts))
	}
	if opts.RatesSensors {
		for _, r := range api.Readings() {
			device := DeviceFor(opts.EntryID, manufacturer, r.Account)
			res = append(res, RateSensor(ctx, api, r, device, opts))
		}
	}
	return res
}

// DeviceFor returns the device of an account.
func DeviceFor(entryID, manufacturer string, a *meters.Account) Device {
	return Device{
		Identifiers:  []string{fmt.Sprintf("pesc_%s_%d", entryID, a.ID)},
		Manufacturer: manufacturer,
		Model:        a.Tenancy,
		Name:         a.Name,
	}
}

// Meter builds the sensor showing the reading value.
func Meter(ctx context.Context, api *meters.API, r *meters.Reading, device Device, opts Options) Sensor {
	s := Sensor{
		UniqueID:     "pesc_" + r.ID(),
		ReadingID:    r.ID(),
		Kind:         KindMeter,
		Name:         r.Name,
		State:        r.Value,
		StateClass:   StateClassTotalIncreasing,
		AssumedState: opts.AssumedState,
		Device:       device,
		Attributes: map[string]any{
			"type":       r.Account.Type,
			"date":       r.Date.Format("2006-01-02"),
			"name":       r.Name,
			"scale_id":   r.ScaleID,
			"meter_id":   r.Meter.ID,
			"serial":     r.Meter.Serial,
			"account_id": strconv.Itoa(r.Account.ID),
			"tenancy":    r.Account.Tenancy,
			"address":    r.Account.Address,
		},
	}
	if opts.DiagnosticSensors {
		s.EntityCategory = EntityCategoryDiagnostic
	}
	if !r.Auto() {
		s.SupportedFeatures = FeatureManual
	}

	sub, ok := api.Subservice(r.Meter.SubserviceID)
	s.DeviceClass, s.Unit = deviceClass(sub.Utility, r.Unit)
	if ok {
		s.Attributes["subservice_id"] = sub.ID
		s.Attributes["subservice_name"] = sub.Name
		s.Attributes["subservice_type"] = sub.Type
		s.Attributes["subservice_utility"] = string(sub.Utility)
	}

	if t := api.Tariff(r); t != nil {
		if t.Kind != "" {
			s.Attributes["tariff_kind"] = t.Kind
		}
		if rate := t.Rate(ctx, r.Name, r.ScaleID); rate != nil {
			s.Attributes["tariff_rate"] = rateState(rate)
		}
	}
	return s
}

// RateSensor builds the sensor showing the tariff rate of a reading.
func RateSensor(ctx context.Context, api *meters.API, r *meters.Reading, device Device, opts Options) Sensor {
	sub, _ := api.Subservice(r.Meter.SubserviceID)
	_, unit := deviceClass(sub.Utility, r.Unit)
	s := Sensor{
		UniqueID:       "pesc_" + r.ID() + "_rate",
		ReadingID:      r.ID(),
		Kind:           KindRate,
		Name:           "Тариф " + r.Name,
		Unit:           currencyRUB + "/" + unit,
		EntityCategory: EntityCategoryDiagnostic,
		Icon:           iconCurrency,
		AssumedState:   opts.AssumedState,
		Device:         device,
		Attributes:     map[string]any{},
	}
	if t := api.Tariff(r); t != nil {
		s.Attributes["tariff_kind"] = t.Kind
		if rate := t.Rate(ctx, r.Name, r.ScaleID); rate != nil {
			s.State = rateState(rate)
			s.Attributes["tariff_rate_name"] = rate.Name
			if rate.Detail != "" {
				s.Attributes["tariff_rate_detail"] = rate.Detail
			}
		}
	}
	return s
}

func rateState(rate *tariff.Rate) any {
	if v, ok := rate.Value(); ok {
		return v
	}
	return rate.String()
}

func deviceClass(u pesc.Utility, fallbackUnit string) (string, string) {
	switch u {
	case pesc.UtilityElectricity:
		return "energy", unitKWh
	case pesc.UtilityGas:
		return "gas", unitM3
	case pesc.UtilityWater:
		return "water", unitM3
	default:
		// TODO: heating needs its own device class once the provider exposes a unit for it
		return "", fallbackUnit
	}
}
