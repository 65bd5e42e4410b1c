package meters

import (
	"fmt"
	"time"

	"github.com/pescbridge/pescbridge/pkg/pesc"
)

// Account is a personal account merged with its reading type and address.
type Account struct {
	ID                int    `json:"id"`
	Name              string `json:"name"`
	Type              string `json:"type"`
	Tenancy           string `json:"tenancy"`
	Address           string `json:"address"`
	ServiceProviderID int    `json:"serviceProviderID"`
}

func newAccount(a pesc.Account) *Account {
	return &Account{
		ID:                a.ID,
		Name:              a.Alias,
		Tenancy:           fmt.Sprintf("%s № %s", a.Tenancy.Name.Shorted, a.Tenancy.Register),
		ServiceProviderID: a.Service.ProviderID,
	}
}

type Meter struct {
	// ID is the registration number of the meter
	ID           string `json:"id"`
	Serial       string `json:"serial"`
	SubserviceID int    `json:"subserviceID"`
}

// Reading is the last known value of one scale of a meter.
type Reading struct {
	Value   float64   `json:"value"`
	Date    time.Time `json:"date"`
	Unit    string    `json:"unit"`
	Name    string    `json:"name"`
	ScaleID int       `json:"scaleID"`
	Account *Account  `json:"account"`
	Meter   *Meter    `json:"meter"`
}

func newReading(acc *Account, m *Meter, ind pesc.MeterIndication) (*Reading, error) {
	date, err := time.Parse(pesc.DateLayout, ind.PreviousReadingDate)
	if err != nil {
		return nil, fmt.Errorf("invalid reading date %q: %w", ind.PreviousReadingDate, err)
	}
	return &Reading{
		Value:   ind.PreviousReading,
		Date:    date,
		Unit:    ind.Unit,
		Name:    ind.ScaleName,
		ScaleID: ind.MeterScaleID,
		Account: acc,
		Meter:   m,
	}, nil
}

// ID is unique across accounts: the same meter on two accounts shares it.
func (r *Reading) ID() string {
	return fmt.Sprintf("%s_%d", r.Meter.ID, r.ScaleID)
}

// Auto reports whether the provider collects the readings itself.
func (r *Reading) Auto() bool {
	return r.Account.Type == pesc.ReadingTypeAuto
}

type Group struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Accounts []int  `json:"accounts"`
}
