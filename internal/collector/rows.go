// Package collector persists consumed events for reporting. Writes are
// idempotent: users are upserted and events are inserted once per event id.
package collector

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"eventgate/internal/events"
)

// User is one row of the users table, keyed by "<source>:<userId>".
// Demographic fields are set for facebook users, Username and Followers for
// tiktok users.
type User struct {
	ID        string
	UserID    string
	Source    string
	Name      *string
	Age       *int64
	Gender    *string
	Country   *string
	City      *string
	Username  *string
	Followers *int64
}

type Event struct {
	EventID     string
	UserID      string
	Source      string
	FunnelStage string
	EventType   string
	Timestamp   time.Time
	Data        json.RawMessage
}

func UserKey(source events.Source, userID string) string {
	return string(source) + ":" + userID
}

// Rows maps a validated event to its user and event rows.
func Rows(ev events.Event) (User, Event, error) {
	var (
		user       User
		engagement interface{}
	)

	switch d := ev.Data.(type) {
	case events.FacebookTop:
		user, engagement = facebookUser(d.User), d.Engagement
	case events.FacebookBottom:
		user, engagement = facebookUser(d.User), d.Engagement
	case events.TiktokTop:
		user, engagement = tiktokUser(d.User), d.Engagement
	case events.TiktokBottom:
		user, engagement = tiktokUser(d.User), d.Engagement
	default:
		return User{}, Event{}, fmt.Errorf("unsupported event data %T", ev.Data)
	}

	data, err := json.Marshal(engagement)
	if err != nil {
		return User{}, Event{}, fmt.Errorf("failed to encode engagement: %w", err)
	}

	user.Source = string(ev.Source)
	user.ID = UserKey(ev.Source, user.UserID)

	return user, Event{
		EventID:     ev.EventID,
		UserID:      user.ID,
		Source:      string(ev.Source),
		FunnelStage: string(ev.FunnelStage),
		EventType:   ev.EventType,
		Timestamp:   ev.Timestamp.UTC(),
		Data:        data,
	}, nil
}

func facebookUser(u events.FacebookUser) User {
	user := User{
		UserID: *u.UserID,
		Name:   u.Name,
		Gender: u.Gender,
	}
	if u.Age != nil {
		age := int64(math.Round(*u.Age))
		user.Age = &age
	}
	if u.Location != nil {
		user.Country = u.Location.Country
		user.City = u.Location.City
	}
	return user
}

func tiktokUser(u events.TiktokUser) User {
	user := User{
		UserID:   *u.UserID,
		Username: u.Username,
	}
	if u.Followers != nil {
		followers := int64(math.Round(*u.Followers))
		user.Followers = &followers
	}
	return user
}

// Rowset is a batch ready for a sink: one entry per key, sorted by key so
// concurrent writers lock rows in the same order.
type Rowset struct {
	Users  []User
	Events []Event
}

func (r Rowset) Empty() bool {
	return len(r.Events) == 0
}

func buildRowset(evs []events.Event) (Rowset, error) {
	users := make(map[string]User, len(evs))
	rows := make(map[string]Event, len(evs))

	for _, ev := range evs {
		user, row, err := Rows(ev)
		if err != nil {
			return Rowset{}, fmt.Errorf("event %s: %w", ev.EventID, err)
		}
		users[user.ID] = user
		if _, ok := rows[row.EventID]; !ok {
			rows[row.EventID] = row
		}
	}

	set := Rowset{
		Users:  make([]User, 0, len(users)),
		Events: make([]Event, 0, len(rows)),
	}
	for _, u := range users {
		set.Users = append(set.Users, u)
	}
	for _, e := range rows {
		set.Events = append(set.Events, e)
	}
	sort.Slice(set.Users, func(i, j int) bool { return set.Users[i].ID < set.Users[j].ID })
	sort.Slice(set.Events, func(i, j int) bool { return set.Events[i].EventID < set.Events[j].EventID })
	return set, nil
}
