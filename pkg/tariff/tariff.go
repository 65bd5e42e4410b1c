// Package tariff turns the account detail blocks into tariffs and picks the
// rate that applies to a meter scale.
package tariff

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/pescbridge/pescbridge/pkg/log"
	"github.com/pescbridge/pescbridge/pkg/pesc"
)

const (
	blockSolid = "SOLID"
	blockTable = "TABLE"

	entryRate     = "Тарифная ставка"
	entryKind     = "Тариф"
	entryKindRows = "Тип тарифа"

	serviceElectricity = "Электроэнергия"
	kindTwoRate        = "Двухтарифный"
	kindSingleRate     = "Однотарифный"

	// electricity scale ids of a two-rate meter
	scaleDay   = 2
	scaleNight = 3
)

// waterServices always use their first rate regardless of the scale.
var waterServices = []string{
	"Холодное водоснабжение",
	"Горячее водоснабжение",
	"ГВС",
	"Водоотведение ХВС",
	"Водоотведение ГВС",
}

// Rate is a single tariff rate.
type Rate struct {
	// Values usually has one entry. Rates that couldn't be matched to a scale
	// carry all values of the tariff.
	Values []float64 `json:"values"`
	// Name, for example "День"
	Name string `json:"name"`
	// Detail, for example "07:00 - 23:00"
	Detail string `json:"detail,omitempty"`
	// Description is the column title, for example "Тариф 1 диапазона потребления"
	Description string `json:"description,omitempty"`
}

// Value returns the rate when it's a single number.
func (r Rate) Value() (float64, bool) {
	if len(r.Values) != 1 {
		return 0, false
	}
	return r.Values[0], true
}

func (r Rate) String() string {
	parts := make([]string, len(r.Values))
	for i, v := range r.Values {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strings.Join(parts, "/")
}

// Tariff is the pricing of one service of an account.
type Tariff struct {
	// Name of the service, for example "Холодное водоснабжение"
	Name string `json:"name"`
	// Kind, for example "Двухтарифный"
	Kind  string `json:"kind"`
	Rates []Rate `json:"rates"`
}

// Parse builds a tariff from a detail block. Blocks that aren't tariffs
// return false.
func Parse(ctx context.Context, block pesc.DetailBlock) (*Tariff, bool) {
	switch block.BlockType {
	case blockSolid:
		if rates := findValue(block.Content, entryRate); rates != "" {
			t := &Tariff{
				Name: block.Header,
				Kind: findValue(block.Content, entryKind),
			}
			for _, s := range strings.Split(rates, "/") {
				v, err := parseNumber(s)
				if err != nil {
					log.Ctx(ctx).WarnContext(ctx, "invalid tariff rate", slog.String("header", block.Header), slog.String("rate", rates), slog.Any("error", err))
					return nil, false
				}
				t.Rates = append(t.Rates, Rate{Values: []float64{v}})
			}
			return t, true
		}
	case blockTable:
		if kind := findValue(block.Content, entryKindRows); kind != "" {
			t := &Tariff{
				Name: block.Header,
				Kind: kind,
			}
			for _, entry := range block.Content {
				if entry.Name == entryKindRows {
					continue
				}
				if len(entry.Columns) == 0 {
					log.Ctx(ctx).WarnContext(ctx, "tariff row without columns", slog.String("header", block.Header), slog.String("name", entry.Name))
					continue
				}
				v, err := parseNumber(string(entry.Columns[0].Value))
				if err != nil {
					log.Ctx(ctx).WarnContext(ctx, "invalid tariff rate", slog.String("header", block.Header), slog.String("name", entry.Name), slog.Any("error", err))
					continue
				}
				t.Rates = append(t.Rates, Rate{
					Values:      []float64{v},
					Name:        entry.Name,
					Detail:      entry.Description,
					Description: columnName(block.Columns, entry.Columns[0].Code),
				})
			}
			return t, true
		}
	}
	log.Ctx(ctx).DebugContext(ctx, "unsupported detail block", slog.String("header", block.Header), slog.String("blockType", block.BlockType))
	return nil, false
}

// Rate returns the rate that applies to the meter scale or nil when the
// tariff has no rates.
func (t *Tariff) Rate(ctx context.Context, scaleName string, scaleID int) *Rate {
	if t == nil || len(t.Rates) == 0 {
		return nil
	}

	if slices.Contains(waterServices, t.Name) {
		return &t.Rates[0]
	}

	for i := range t.Rates {
		if t.Rates[i].Name == scaleName {
			return &t.Rates[i]
		}
	}

	if t.Name == serviceElectricity {
		switch {
		case t.Kind == kindTwoRate && len(t.Rates) == 2:
			switch scaleID {
			case scaleDay:
				return &t.Rates[0]
			case scaleNight:
				return &t.Rates[1]
			}
		case t.Kind == kindSingleRate && len(t.Rates) == 2:
			return &t.Rates[0]
		default:
			log.Ctx(ctx).WarnContext(ctx, "unsupported tariff", slog.String("name", t.Name), slog.String("kind", t.Kind), slog.Int("rates", len(t.Rates)))
		}
	}

	if len(t.Rates) == 1 {
		return &t.Rates[0]
	}

	joined := Rate{Name: "unknown"}
	for _, r := range t.Rates {
		joined.Values = append(joined.Values, r.Values...)
	}
	return &joined
}

func findValue(entries []pesc.DetailEntry, name string) string {
	for _, e := range entries {
		if e.Name == name {
			return string(e.Value)
		}
	}
	return ""
}

func columnName(columns []pesc.DetailColumn, code string) string {
	for _, c := range columns {
		if c.Code == code {
			return c.Name
		}
	}
	return ""
}

// parseNumber accepts a decimal comma.
func parseNumber(s string) (float64, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return v, nil
}
