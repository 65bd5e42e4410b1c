package pesc

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Login types accepted by the auth endpoint.
const (
	LoginTypePhone = "PHONE"
	LoginTypeEmail = "EMAIL"
)

// Confirmation types offered for the second factor.
const (
	ConfirmationSMS   = "PHONE"
	ConfirmationEmail = "EMAIL"
	ConfirmationCall  = "FLASHCALL"
)

// DateLayout is the format of reading dates.
const DateLayout = "02.01.2006"

// ReadingTypeAuto marks accounts whose readings are collected by the provider.
const ReadingTypeAuto = "auto"

// AuthTransaction is the pending second factor of a login.
type AuthTransaction struct {
	TransactionID string   `json:"transactionId"`
	Types         []string `json:"types"`
	// ConfirmationType is the lowercased type the code was sent with.
	ConfirmationType string `json:"confirmationType,omitempty"`
}

type AccountAddress struct {
	Identifier bool   `json:"identifier"`
	Value      string `json:"value"`
}

type TenancyName struct {
	// Shorted is an abbreviation like ЛС or ЕЛС
	Shorted string `json:"shorted"`
	Fulled  string `json:"fulled"`
}

type Tenancy struct {
	Register string      `json:"register"`
	Name     TenancyName `json:"name"`
}

type AccountService struct {
	ID         int `json:"id"`
	ProviderID int `json:"providerId"`
}

// Account is a personal account as returned by /v8/accounts.
type Account struct {
	ID          int            `json:"id"`
	Alias       string         `json:"alias"`
	ReadingType string         `json:"readingType"`
	Delivery    string         `json:"delivery"`
	Address     AccountAddress `json:"address"`
	Tenancy     Tenancy        `json:"tenancy"`
	Service     AccountService `json:"service"`
}

type Group struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Accounts []int  `json:"accounts"`
}

type MeterIndication struct {
	MeterScaleID        int     `json:"meterScaleId"`
	PreviousReading     float64 `json:"previousReading"`
	PreviousReadingDate string  `json:"previousReadingDate"`
	ScaleName           string  `json:"scaleName"`
	Unit                string  `json:"unit"`
}

type MeterID struct {
	Provider     int    `json:"provider"`
	Registration string `json:"registration"`
}

type Meter struct {
	ID           MeterID           `json:"id"`
	Serial       string            `json:"serial"`
	Indications  []MeterIndication `json:"indications"`
	SubserviceID int               `json:"subserviceId"`
	// Status is ACTIVE or AUTOMATED
	Status string `json:"status"`
}

type ProfileName struct {
	First      string `json:"first"`
	Last       string `json:"last"`
	Patronymic string `json:"patronymic"`
}

type Profile struct {
	Phone string      `json:"phone"`
	Email string      `json:"email"`
	Name  ProfileName `json:"name"`
}

// DisplayName is the full name of the user, falling back to the email and
// then the phone.
func (p Profile) DisplayName() string {
	var parts []string
	for _, s := range []string{p.Name.Last, p.Name.First, p.Name.Patronymic} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) > 0 {
		return strings.Join(parts, " ")
	}
	if p.Email != "" {
		return p.Email
	}
	return p.Phone
}

// Utility is the kind of resource a subservice bills for.
type Utility string

const (
	UtilityElectricity Utility = "ELECTRICITY"
	UtilityWater       Utility = "WATER"
	UtilityGas         Utility = "GAS"
	UtilityHeating     Utility = "HEATING"
	UtilityUnknown     Utility = "UNKNOWN"
)

type Subservice struct {
	ID          int     `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Type        string  `json:"type"`
	Utility     Utility `json:"utility"`
}

// DetailBlock is one block of /v7/accounts/{id}/details. Tariffs come either
// as SOLID blocks with a single rate string or TABLE blocks with a row per rate.
type DetailBlock struct {
	Header    string         `json:"header"`
	BlockType string         `json:"blockType"`
	Content   []DetailEntry  `json:"content"`
	Columns   []DetailColumn `json:"columns"`
}

type DetailEntry struct {
	Name        string       `json:"name"`
	Value       Text         `json:"value"`
	Description string       `json:"description"`
	Columns     []DetailCell `json:"columns"`
}

type DetailCell struct {
	Code  string `json:"code"`
	Value Text   `json:"value"`
}

type DetailColumn struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// Text accepts a JSON string, number or null and keeps it as a string.
type Text string

func (t *Text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*t = ""
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Text(s)
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		*t = Text(n.String())
	}
	return nil
}

// Int parses the text as an integer.
func (t Text) Int() (int, bool) {
	i, err := strconv.Atoi(string(t))
	return i, err == nil
}
