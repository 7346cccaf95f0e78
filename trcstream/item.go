package trcstream

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/peterbourgon/trcagent"
)

// Item is a command delivered by a specific client's runtime.
type Item struct {
	Client  string
	Seq     uint64
	Command trcagent.Command
}

type jsonItem struct {
	Client  string          `json:"client"`
	Seq     uint64          `json:"seq"`
	Kind    trcagent.Kind   `json:"kind"`
	Command json.RawMessage `json:"command"`
}

// MarshalJSON implements json.Marshaler.
func (it Item) MarshalJSON() ([]byte, error) {
	if it.Command == nil {
		return nil, fmt.Errorf("item has no command")
	}
	data, err := json.Marshal(it.Command)
	if err != nil {
		return nil, fmt.Errorf("marshal %s command: %w", it.Command.Kind(), err)
	}
	return json.Marshal(jsonItem{
		Client:  it.Client,
		Seq:     it.Seq,
		Kind:    it.Command.Kind(),
		Command: data,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (it *Item) UnmarshalJSON(data []byte) error {
	var ji jsonItem
	if err := json.Unmarshal(data, &ji); err != nil {
		return err
	}
	cmd, err := trcagent.DecodeCommand(ji.Kind, func(v any) error { return json.Unmarshal(ji.Command, v) })
	if err != nil {
		return fmt.Errorf("decode %s command: %w", ji.Kind, err)
	}
	*it = Item{Client: ji.Client, Seq: ji.Seq, Command: cmd}
	return nil
}

// Filter selects items by client and command kind. Empty fields match
// everything.
type Filter struct {
	Clients []string        `json:"clients,omitempty"`
	Kinds   []trcagent.Kind `json:"kinds,omitempty"`
}

// Allow returns true if the item passes the filter.
func (f Filter) Allow(it Item) bool {
	if len(f.Clients) > 0 && !contains(f.Clients, it.Client) {
		return false
	}
	if len(f.Kinds) > 0 && (it.Command == nil || !contains(f.Kinds, it.Command.Kind())) {
		return false
	}
	return true
}

// String implements fmt.Stringer.
func (f Filter) String() string {
	var parts []string
	if len(f.Clients) > 0 {
		parts = append(parts, "clients="+strings.Join(f.Clients, ","))
	}
	if len(f.Kinds) > 0 {
		kinds := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			kinds[i] = k.String()
		}
		parts = append(parts, "kinds="+strings.Join(kinds, ","))
	}
	if len(parts) <= 0 {
		return "all"
	}
	return strings.Join(parts, " ")
}

func (f Filter) encode(query url.Values) {
	for _, c := range f.Clients {
		query.Add("client", c)
	}
	for _, k := range f.Kinds {
		query.Add("kind", k.String())
	}
}

// parseFilter reads a filter from URL query parameters. Invalid kinds are
// returned as errors.
func parseFilter(query url.Values) (Filter, []error) {
	var (
		f    = Filter{Clients: query["client"]}
		errs []error
	)
	for _, s := range query["kind"] {
		k, err := trcagent.ParseKind(s)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		f.Kinds = append(f.Kinds, k)
	}
	return f, errs
}

func contains[T comparable](haystack []T, needle T) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}
