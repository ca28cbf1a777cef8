// Package metadata carries now-playing updates from the admin surfaces
// (HTTP, WebSocket, NATS) to the active connectors.
package metadata

import (
	"net/url"
	"strconv"
)

// Event is a normalized metadata update. Empty fields are unchanged.
type Event struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Genre       string `json:"genre,omitempty"`
	URL         string `json:"url,omitempty"`
	IRC         string `json:"irc,omitempty"`
	AIM         string `json:"aim,omitempty"`
	ICQ         string `json:"icq,omitempty"`
	Public      *bool  `json:"public,omitempty"`
	StreamTitle string `json:"stream_title,omitempty"`
	StreamURL   string `json:"stream_url,omitempty"`

	// Source names the surface the update arrived on.
	Source string `json:"-"`
}

// Empty reports whether e changes nothing.
func (e Event) Empty() bool {
	return e.Name == "" && e.Description == "" && e.Genre == "" && e.URL == "" &&
		e.IRC == "" && e.AIM == "" && e.ICQ == "" && e.Public == nil &&
		e.StreamTitle == "" && e.StreamURL == ""
}

// HasStreamInfo reports whether e carries now-playing fields.
func (e Event) HasStreamInfo() bool {
	return e.StreamTitle != "" || e.StreamURL != ""
}

// FromQuery builds an Event from admin query parameters. "song" is the
// Shoutcast and Icecast name for the stream title.
func FromQuery(q url.Values) Event {
	e := Event{
		Name:        q.Get("name"),
		Description: q.Get("description"),
		Genre:       q.Get("genre"),
		URL:         q.Get("channel_url"),
		IRC:         q.Get("irc"),
		AIM:         q.Get("aim"),
		ICQ:         q.Get("icq"),
		StreamTitle: q.Get("song"),
		StreamURL:   q.Get("url"),
	}
	if v := q.Get("public"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			e.Public = &b
		}
	}
	return e
}

// Merge returns e updated with the non-empty fields of next.
func (e Event) Merge(next Event) Event {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&e.Name, next.Name)
	set(&e.Description, next.Description)
	set(&e.Genre, next.Genre)
	set(&e.URL, next.URL)
	set(&e.IRC, next.IRC)
	set(&e.AIM, next.AIM)
	set(&e.ICQ, next.ICQ)
	set(&e.StreamTitle, next.StreamTitle)
	set(&e.StreamURL, next.StreamURL)
	if next.Public != nil {
		e.Public = next.Public
	}
	e.Source = next.Source
	return e
}
