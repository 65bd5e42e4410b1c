// Package meters fetches accounts, meters and tariffs from the provider and
// merges them into readings.
package meters

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/pescbridge/pescbridge/pkg/common"
	"github.com/pescbridge/pescbridge/pkg/log"
	"github.com/pescbridge/pescbridge/pkg/pesc"
	"github.com/pescbridge/pescbridge/pkg/tariff"
	"github.com/pescbridge/pescbridge/pkg/types"
	"golang.org/x/sync/errgroup"
)

// API keeps the last fetched view of the provider data.
type API struct {
	mu          sync.RWMutex
	client      pesc.API
	profile     *pesc.Profile
	readings    []*Reading
	groups      []Group
	tariffs     map[int][]*tariff.Tariff
	subservices map[int]pesc.Subservice
}

// New returns an empty view backed by client.
func New(client pesc.API) *API {
	return &API{
		client:      client,
		tariffs:     map[int][]*tariff.Tariff{},
		subservices: map[int]pesc.Subservice{},
	}
}

// Client returns the provider client in use.
func (a *API) Client() pesc.API {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.client
}

// SetClient swaps the provider client, for example to the demo client.
func (a *API) SetClient(c pesc.API) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.client = c
}

// FetchAll fetches the profile and then the account data.
func (a *API) FetchAll(ctx context.Context) error {
	if err := a.FetchProfile(ctx); err != nil {
		return err
	}
	return a.FetchData(ctx)
}

func (a *API) FetchProfile(ctx context.Context) error {
	log.Ctx(ctx).DebugContext(ctx, "fetching profile")
	profile, err := a.Client().Profile(ctx)
	if err != nil {
		a.mu.Lock()
		a.profile = nil
		a.mu.Unlock()
		return fmt.Errorf("failed to fetch profile: %w", err)
	}
	a.mu.Lock()
	a.profile = &profile
	a.mu.Unlock()
	return nil
}

// fetchState collects the results of one FetchData run.
type fetchState struct {
	mu       sync.Mutex
	readings []*Reading
	tariffs  map[int][]*tariff.Tariff
	// every subservice of the accounts' providers, filtered once all meters
	// are known
	subservices []pesc.Subservice
}

// FetchData fetches every account concurrently. Per account the reading type,
// address, meters and tariffs are loaded in parallel and the subservices of
// the account's provider are loaded once the meters are known. The view is
// cleared first and stays empty when the fetch fails.
func (a *API) FetchData(ctx context.Context) error {
	log.Ctx(ctx).DebugContext(ctx, "fetching data")
	client := a.Client()

	// a failed fetch must not leave the previous readings around as current
	a.mu.Lock()
	a.readings = nil
	a.tariffs = map[int][]*tariff.Tariff{}
	a.subservices = map[int]pesc.Subservice{}
	a.mu.Unlock()

	accounts, err := client.Accounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch accounts: %w", err)
	}

	st := &fetchState{
		tariffs: map[int][]*tariff.Tariff{},
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, account := range accounts {
		g.Go(func() error {
			return loadAccount(gctx, client, st, account)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// keep only the subservices some meter refers to
	used := map[int]bool{}
	for _, r := range st.readings {
		used[r.Meter.SubserviceID] = true
	}
	subservices := map[int]pesc.Subservice{}
	for _, s := range st.subservices {
		if used[s.ID] {
			subservices[s.ID] = s
		}
	}

	a.mu.Lock()
	a.readings = st.readings
	a.tariffs = st.tariffs
	a.subservices = subservices
	a.mu.Unlock()

	log.Ctx(ctx).InfoContext(ctx, "fetched data", slog.Int("accounts", len(accounts)), slog.Int("readings", len(st.readings)), slog.Int("subservices", len(subservices)))
	return nil
}

func loadAccount(ctx context.Context, client pesc.API, st *fetchState, account pesc.Account) error {
	acc := newAccount(account)
	ctx = log.With(ctx, log.Ctx(ctx).With(slog.Int("accountID", acc.ID)))

	var readings []*Reading
	var tariffs []*tariff.Tariff

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rt, err := client.ReadingType(gctx, acc.ID)
		if err != nil {
			return fmt.Errorf("failed to fetch reading type of account %d: %w", acc.ID, err)
		}
		acc.Type = rt
		return nil
	})
	g.Go(func() error {
		addr, err := client.Address(gctx, acc.ID)
		if err != nil {
			return fmt.Errorf("failed to fetch address of account %d: %w", acc.ID, err)
		}
		acc.Address = addr.Value
		return nil
	})
	g.Go(func() error {
		meters, err := client.Meters(gctx, acc.ID)
		if err != nil {
			return fmt.Errorf("failed to fetch meters of account %d: %w", acc.ID, err)
		}
		for _, meter := range meters {
			m := &Meter{
				ID:           meter.ID.Registration,
				Serial:       meter.Serial,
				SubserviceID: meter.SubserviceID,
			}
			for _, ind := range meter.Indications {
				r, err := newReading(acc, m, ind)
				if err != nil {
					log.Ctx(gctx).WarnContext(gctx, "skipping reading", slog.String("meterID", m.ID), slog.Int("scaleID", ind.MeterScaleID), slog.Any("error", err))
					continue
				}
				readings = append(readings, r)
			}
		}
		return nil
	})
	g.Go(func() error {
		details, err := client.Details(gctx, acc.ID)
		if err != nil {
			var ce *pesc.ClientError
			if errors.As(err, &ce) && !ce.Auth {
				// some accounts have no details
				log.Ctx(gctx).DebugContext(gctx, "no account details", slog.Any("error", err))
				return nil
			}
			return fmt.Errorf("failed to fetch details of account %d: %w", acc.ID, err)
		}
		for _, d := range details {
			if t, ok := tariff.Parse(gctx, d); ok {
				tariffs = append(tariffs, t)
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	subservices, err := client.Subservices(ctx, acc.ServiceProviderID)
	if err != nil {
		if pesc.IsAuth(err) {
			return fmt.Errorf("failed to fetch subservices of provider %d: %w", acc.ServiceProviderID, err)
		}
		log.Ctx(ctx).ErrorContext(ctx, "failed to load subservices", slog.Int("serviceProviderID", acc.ServiceProviderID), slog.Any("error", err))
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.readings = append(st.readings, readings...)
	if len(tariffs) > 0 {
		st.tariffs[acc.ID] = append(st.tariffs[acc.ID], tariffs...)
	}
	st.subservices = append(st.subservices, subservices...)
	return nil
}

// FetchGroups fetches the account groups.
func (a *API) FetchGroups(ctx context.Context) error {
	log.Ctx(ctx).DebugContext(ctx, "fetching groups")
	groups, err := a.Client().Groups(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch groups: %w", err)
	}
	res := make([]Group, 0, len(groups))
	for _, g := range groups {
		res = append(res, Group{ID: g.ID, Name: g.Name, Accounts: g.Accounts})
	}
	a.mu.Lock()
	a.groups = res
	a.mu.Unlock()
	return nil
}

func (a *API) Groups() []Group {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.groups
}

// Readings returns the readings without duplicates. When a meter is listed
// under several accounts the account sorting last wins.
func (a *API) Readings() []*Reading {
	a.mu.RLock()
	sorted := append([]*Reading(nil), a.readings...)
	a.mu.RUnlock()

	sort.SliceStable(sorted, func(i, j int) bool {
		return sortKey(sorted[i]) < sortKey(sorted[j])
	})

	var order []string
	byID := map[string]*Reading{}
	for _, r := range sorted {
		id := r.ID()
		if _, ok := byID[id]; !ok {
			order = append(order, id)
		}
		byID[id] = r
	}
	res := make([]*Reading, 0, len(order))
	for _, id := range order {
		res = append(res, byID[id])
	}
	return res
}

func sortKey(r *Reading) string {
	return fmt.Sprintf("%d_%s", r.Account.ID, r.ID())
}

// FindReading returns the reading with the given id or nil.
func (a *API) FindReading(id string) *Reading {
	for _, r := range a.Readings() {
		if r.ID() == id {
			return r
		}
	}
	return nil
}

func (a *API) Subservice(id int) (pesc.Subservice, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.subservices[id]
	return s, ok
}

// Tariff returns the tariff of the reading's account for the meter's service.
func (a *API) Tariff(r *Reading) *tariff.Tariff {
	sub, ok := a.Subservice(r.Meter.SubserviceID)
	if !ok {
		return nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, t := range a.tariffs[r.Account.ID] {
		if t.Name == sub.Name {
			return t
		}
	}
	return nil
}

// UpdateValue submits values for the reading's meter. Scales of the same
// meter that are missing from values are sent with their current value.
func (a *API) UpdateValue(ctx context.Context, r *Reading, values []types.ScaleValue) ([]types.ScaleValue, error) {
	log.Ctx(ctx).DebugContext(ctx, "updating reading", slog.String("account", r.Account.Name), slog.String("name", r.Name), slog.Any("values", values))

	var sameMeter []*Reading
	for _, other := range a.Readings() {
		if other.Meter.ID == r.Meter.ID {
			sameMeter = append(sameMeter, other)
		}
	}
	if len(values) != len(sameMeter) {
		for _, other := range sameMeter {
			found := false
			for _, v := range values {
				if v.ScaleID == other.ScaleID {
					found = true
					break
				}
			}
			if !found {
				values = append(values, types.ScaleValue{ScaleID: other.ScaleID, Value: other.Value})
			}
		}
	}

	if err := a.Client().UpdateValue(ctx, r.Account.ID, r.Meter.ID, values); err != nil {
		return nil, err
	}
	return values, nil
}

func (a *API) Profile() (pesc.Profile, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.profile == nil {
		return pesc.Profile{}, false
	}
	return *a.profile, true
}

// ProfileID is a stable id of the user: the phone without the plus or a slug
// of the email.
func (a *API) ProfileID() string {
	p, ok := a.Profile()
	if !ok {
		return ""
	}
	if p.Phone == "" {
		return common.Slugify(p.Email)
	}
	if strings.HasPrefix(p.Phone, "+") {
		return p.Phone[1:]
	}
	return common.Slugify(p.Phone)
}

// ProfileName is the display name of the user.
func (a *API) ProfileName() string {
	p, ok := a.Profile()
	if !ok {
		return ""
	}
	return p.DisplayName()
}
