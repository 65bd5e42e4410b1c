// Package coordinator periodically refreshes the provider data and
// announces the resulting sensors on the event bus.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/pescbridge/pescbridge/pkg/events"
	"github.com/pescbridge/pescbridge/pkg/log"
	"github.com/pescbridge/pescbridge/pkg/meters"
	"github.com/pescbridge/pescbridge/pkg/sensor"
	"github.com/pescbridge/pescbridge/pkg/session"
	"github.com/pescbridge/pescbridge/pkg/types"
	"tailscale.com/util/eventbus"
)

// State of the last refresh.
type State string

const (
	StateStarting       State = "starting"
	StateOK             State = "ok"
	StateFailed         State = "failed"
	StateReauthRequired State = "reauth_required"
	StateNotLoggedIn    State = "not_logged_in"
	StatePaused         State = "paused"
)

// States lists every State.
var States = []State{StateStarting, StateOK, StateFailed, StateReauthRequired, StateNotLoggedIn, StatePaused}

// ErrNotLoggedIn is returned by Refresh before the login was run.
var ErrNotLoggedIn = errors.New("not logged in")

// Session is the part of the session manager the coordinator needs.
type Session interface {
	Load(ctx context.Context) (types.Settings, error)
	Do(ctx context.Context, fn func(ctx context.Context) error) error
	LoggedIn() bool
	ReauthRequired() bool
	EntryID() string
}

// Status is a snapshot of the coordinator.
type Status struct {
	State       State          `json:"state"`
	LastUpdate  time.Time      `json:"lastUpdate"`
	LastSuccess time.Time      `json:"lastSuccess"`
	LastError   string         `json:"lastError,omitempty"`
	Interval    types.Duration `json:"interval"`
	Profile     string         `json:"profile,omitempty"`
	ProfileID   string         `json:"profileID,omitempty"`
	Readings    int            `json:"readings"`
}

// Coordinator refreshes the data on an interval.
type Coordinator struct {
	api     *meters.API
	session Session
	timeout time.Duration
	pub     *eventbus.Publisher[events.RefreshEvent]
	now     func() time.Time

	// serializes refreshes
	refreshMu sync.Mutex

	mu       sync.RWMutex
	settings types.Settings
	status   Status
	sensors  []sensor.Sensor

	reset chan struct{}
}

// Configured registers the coordinator flags.
func Configured(api *meters.API, s Session, bus *eventbus.Bus) *Coordinator {
	timeout := lflag.Duration("refresh-timeout", 10*time.Second, "Timeout of a full refresh")

	c := New(api, s, bus, 0)
	lflag.Do(func() {
		c.timeout = *timeout
	})
	return c
}

// New returns a coordinator publishing on bus. A zero timeout means 10s.
func New(api *meters.API, s Session, bus *eventbus.Bus, timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Coordinator{
		api:     api,
		session: s,
		timeout: timeout,
		pub:     eventbus.Publish[events.RefreshEvent](bus.Client(events.ClientCoordinator)),
		now:     time.Now,
		status:  Status{State: StateStarting},
		reset:   make(chan struct{}, 1),
	}
}

// Status returns the state of the last refresh.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Sensors returns the sensors built by the last refresh.
func (c *Coordinator) Sensors() []sensor.Sensor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]sensor.Sensor(nil), c.sensors...)
}

// Sensor returns the sensor with the given unique id.
func (c *Coordinator) Sensor(uniqueID string) (sensor.Sensor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.sensors {
		if s.UniqueID == uniqueID {
			return s, true
		}
	}
	return sensor.Sensor{}, false
}

func (c *Coordinator) interval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if d := c.settings.UpdateInterval.Duration(); d > 0 {
		return d
	}
	return types.DefaultUpdateInterval
}

// Run refreshes immediately and then on every interval until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		if err := c.Refresh(ctx); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "refresh failed", slog.Any("error", err))
		}

		interval := c.interval()
		log.Ctx(ctx).DebugContext(ctx, "next refresh", slog.Duration("in", interval))
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		case <-c.reset:
			timer.Stop()
		}
	}
}

// Trigger asks Run to refresh now.
func (c *Coordinator) Trigger() {
	select {
	case c.reset <- struct{}{}:
	default:
	}
}

// Refresh reloads the settings and fetches the provider data.
func (c *Coordinator) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	start := c.now()
	settings, err := c.session.Load(ctx)
	if err != nil {
		c.finish(ctx, start, StateFailed, fmt.Errorf("failed to load settings: %w", err), false)
		return err
	}
	c.mu.Lock()
	c.settings = settings
	c.status.Interval = settings.UpdateInterval
	c.mu.Unlock()

	switch {
	case settings.Pause:
		log.Ctx(ctx).InfoContext(ctx, "polling is paused")
		c.finish(ctx, start, StatePaused, nil, false)
		return nil
	case !c.session.LoggedIn():
		log.Ctx(ctx).WarnContext(ctx, "not logged in, run the login command")
		c.finish(ctx, start, StateNotLoggedIn, ErrNotLoggedIn, false)
		return ErrNotLoggedIn
	case c.session.ReauthRequired():
		c.finish(ctx, start, StateReauthRequired, session.ErrReauthRequired, false)
		return session.ErrReauthRequired
	}

	tctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	err = c.session.Do(tctx, c.api.FetchAll)
	switch {
	case err == nil:
		c.finish(ctx, start, StateOK, nil, true)
	case errors.Is(err, session.ErrReauthRequired):
		log.Ctx(ctx).ErrorContext(ctx, "re-authentication required, run the login command with -reauth", slog.Any("error", err))
		c.finish(ctx, start, StateReauthRequired, err, false)
	default:
		// the previous sensors stay published with an assumed state
		c.finish(ctx, start, StateFailed, fmt.Errorf("error communicating with API: %w", err), true)
	}
	return err
}

func (c *Coordinator) assumedSensors() []sensor.Sensor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.sensors) == 0 {
		return nil
	}
	res := make([]sensor.Sensor, len(c.sensors))
	for i, s := range c.sensors {
		s.AssumedState = true
		res[i] = s
	}
	return res
}

func (c *Coordinator) finish(ctx context.Context, start time.Time, state State, err error, publish bool) {
	now := c.now()

	c.mu.Lock()
	settings := c.settings
	c.status.State = state
	c.status.LastUpdate = now
	c.status.LastError = ""
	if err != nil {
		c.status.LastError = err.Error()
	}
	if state == StateOK {
		c.status.LastSuccess = now
	}
	c.status.Profile = c.api.ProfileName()
	c.status.ProfileID = c.api.ProfileID()
	c.mu.Unlock()

	var sensors []sensor.Sensor
	switch {
	case publish && state == StateOK:
		sensors = sensor.Build(ctx, c.api, sensor.OptionsFromSettings(c.session.EntryID(), settings))
	case publish:
		// the failed fetch cleared the readings, republish the last sensors
		sensors = c.assumedSensors()
	}

	c.mu.Lock()
	if publish {
		c.sensors = sensors
	} else if state == StateReauthRequired {
		c.sensors = nil
	}
	c.status.Readings = len(c.api.Readings())
	c.mu.Unlock()

	evt := events.RefreshEvent{
		Timestamp: now,
		State:     string(state),
		Sensors:   sensors,
		Duration:  now.Sub(start),
	}
	if err != nil {
		evt.Error = err.Error()
	}
	c.pub.Publish(evt)
	log.Ctx(ctx).InfoContext(ctx, "refresh finished", slog.String("state", string(state)), slog.Int("sensors", len(sensors)), slog.Duration("duration", evt.Duration))
}
