// Package compose holds the outreach scenario catalog and renders per
// recipient email copy and call variables from queue items.
package compose

import (
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/homenest/nous/internal/model"
)

// Scenario is one outreach template an operator can dispatch a queue with.
type Scenario struct {
	Key     string        `yaml:"key" json:"key"`
	Channel model.Channel `yaml:"channel" json:"channel"`
	Name    string        `yaml:"name" json:"name"`
	Subject string        `yaml:"subject,omitempty" json:"subject,omitempty"`
	Body    string        `yaml:"body,omitempty" json:"body,omitempty"`
	// AgentID overrides the configured voice agent for call scenarios.
	AgentID       string `yaml:"agent_id,omitempty" json:"agent_id,omitempty"`
	AIPersonalize bool   `yaml:"ai_personalize,omitempty" json:"ai_personalize,omitempty"`
}

type catalogFile struct {
	Scenarios []Scenario `yaml:"scenarios"`
}

// Catalog indexes scenarios by key.
type Catalog struct {
	scenarios map[string]Scenario
}

// LoadCatalog reads a YAML scenario catalog from path.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "compose: read catalog %s", path)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses and validates a YAML scenario catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "compose: parse catalog")
	}

	c := &Catalog{scenarios: make(map[string]Scenario, len(f.Scenarios))}
	for i, sc := range f.Scenarios {
		sc.Key = strings.TrimSpace(sc.Key)
		if sc.Key == "" {
			return nil, eris.Errorf("compose: scenario %d has no key", i+1)
		}
		if _, dup := c.scenarios[sc.Key]; dup {
			return nil, eris.Errorf("compose: duplicate scenario key %q", sc.Key)
		}
		if _, err := model.ParseChannel(string(sc.Channel)); err != nil {
			return nil, eris.Wrapf(err, "compose: scenario %q", sc.Key)
		}
		if sc.Channel == model.ChannelEmail && (sc.Subject == "" || sc.Body == "") {
			return nil, eris.Errorf("compose: email scenario %q needs a subject and body", sc.Key)
		}
		if sc.Name == "" {
			sc.Name = sc.Key
		}
		c.scenarios[sc.Key] = sc
	}
	return c, nil
}

// Lookup resolves key for channel. A missing key, an unknown key and a key
// for another channel are validation errors.
func (c *Catalog) Lookup(key string, channel model.Channel) (*Scenario, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, model.Validationf("no scenario selected")
	}
	sc, ok := c.scenarios[key]
	if !ok {
		return nil, model.Validationf("unknown scenario %q", key)
	}
	if sc.Channel != channel {
		return nil, model.Validationf("scenario %q is for %s, not %s", key, sc.Channel, channel)
	}
	return &sc, nil
}

// List returns the scenarios for channel sorted by key. An empty channel
// lists everything.
func (c *Catalog) List(channel model.Channel) []Scenario {
	var out []Scenario
	for _, sc := range c.scenarios {
		if channel == "" || sc.Channel == channel {
			out = append(out, sc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
