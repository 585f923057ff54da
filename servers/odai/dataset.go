package odai

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Series is a Love Live! series entry. Its ID is the string form of the number characters refer to.
type Series struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Character is a character entry, tied to a series by the series' numeric ID.
type Character struct {
	Name   string `json:"name"`
	Link   string `json:"link"`
	Series int    `json:"series"`
}

// Dataset is the read-only content served by the Server. It is loaded once and never
// modified afterwards, so it is safe for concurrent use without locking. Every accessor
// returns a fresh, non-nil slice.
type Dataset struct {
	series     []Series
	characters []Character
	places     []string
	times      []string
	actions    []string
	items      []string
}

type datasetFile struct {
	Series     []Series    `json:"series"`
	Characters []Character `json:"characters"`
	Places     []string    `json:"places"`
	Times      []string    `json:"times"`
	Actions    []string    `json:"actions"`
	Items      []string    `json:"items"`
}

// LoadDataset reads the dataset JSON file at path. When the file cannot be read or decoded
// it returns an empty Dataset together with the error, so callers may log and keep serving.
func LoadDataset(path string) (*Dataset, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return &Dataset{}, fmt.Errorf("failed to read dataset %s: %w", path, err)
	}

	d, err := ParseDataset(bs)
	if err != nil {
		return d, fmt.Errorf("failed to load dataset %s: %w", path, err)
	}
	return d, nil
}

// ParseDataset decodes a dataset from its JSON form. On error the returned Dataset is empty.
func ParseDataset(bs []byte) (*Dataset, error) {
	var f datasetFile
	if err := json.Unmarshal(bs, &f); err != nil {
		return &Dataset{}, fmt.Errorf("failed to unmarshal dataset: %w", err)
	}

	return &Dataset{
		series:     f.Series,
		characters: f.Characters,
		places:     f.Places,
		times:      f.Times,
		actions:    f.Actions,
		items:      f.Items,
	}, nil
}

// Series returns every series.
func (d *Dataset) Series() []Series {
	return clone(d.series)
}

// SeriesIDs returns the IDs of every series, in dataset order.
func (d *Dataset) SeriesIDs() []string {
	ids := make([]string, 0, len(d.series))
	for _, s := range d.series {
		ids = append(ids, s.ID)
	}
	return ids
}

// Characters returns the characters belonging to any of seriesIDs, or every character when
// no ID is given. IDs that are not integers match nothing.
func (d *Dataset) Characters(seriesIDs ...string) []Character {
	if len(seriesIDs) == 0 {
		return clone(d.characters)
	}

	wanted := make(map[int]struct{}, len(seriesIDs))
	for _, id := range seriesIDs {
		n, err := strconv.Atoi(id)
		if err != nil {
			continue
		}
		wanted[n] = struct{}{}
	}

	chars := make([]Character, 0)
	for _, c := range d.characters {
		if _, ok := wanted[c.Series]; ok {
			chars = append(chars, c)
		}
	}
	return chars
}

// Places returns the place words.
func (d *Dataset) Places() []string { return clone(d.places) }

// Times returns the time words.
func (d *Dataset) Times() []string { return clone(d.times) }

// Actions returns the action words.
func (d *Dataset) Actions() []string { return clone(d.actions) }

// Items returns the item words.
func (d *Dataset) Items() []string { return clone(d.items) }

func clone[T any](s []T) []T {
	return append(make([]T, 0, len(s)), s...)
}
