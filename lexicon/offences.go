package lexicon

import (
	_ "embed"
	"sort"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"gopkg.in/yaml.v3"

	"github.com/brunobiangulo/lawbridge/normalizer"
)

//go:embed offences.yaml
var defaultOffences []byte

// Classification is the procedural status of an offence.
type Classification struct {
	SectionID  string `json:"section_id" yaml:"-"`
	Offence    string `json:"offence" yaml:"offence"`
	Bailable   bool   `json:"bailable" yaml:"bailable"`
	Cognizable bool   `json:"cognizable" yaml:"cognizable"`
	Punishment string `json:"punishment,omitempty" yaml:"punishment"`
	Procedure  string `json:"procedure" yaml:"-"`
}

// Offences maps section ids to their classification.
type Offences struct {
	bySection map[string]Classification
}

// DefaultOffences returns the built-in table.
func DefaultOffences() (*Offences, error) {
	return ParseOffences(defaultOffences)
}

// ParseOffences decodes a YAML mapping of "<CODE>-<label>" to classification.
func ParseOffences(data []byte) (*Offences, error) {
	var raw map[string]Classification
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, goerr.Wrap(err, "parsing offence table")
	}
	o := &Offences{bySection: make(map[string]Classification, len(raw))}
	for id, c := range raw {
		code, label, ok := normalizer.ParseSectionID(id)
		if !ok {
			return nil, goerr.New("offence key is not a section id", goerr.V("key", id))
		}
		c.SectionID = normalizer.SectionID(code, label)
		c.Procedure = procedure(c)
		o.bySection[c.SectionID] = c
	}
	return o, nil
}

// Merge returns a table with other's rows over o's.
func (o *Offences) Merge(other *Offences) *Offences {
	out := &Offences{bySection: make(map[string]Classification, len(o.bySection)+len(other.bySection))}
	for id, c := range o.bySection {
		out.bySection[id] = c
	}
	for id, c := range other.bySection {
		out.bySection[id] = c
	}
	return out
}

// Lookup classifies a section id such as "IPC-302" or "bns-103".
func (o *Offences) Lookup(sectionID string) (Classification, bool) {
	code, label, ok := normalizer.ParseSectionID(sectionID)
	if !ok {
		return Classification{}, false
	}
	c, ok := o.bySection[normalizer.SectionID(code, label)]
	return c, ok
}

// Sections lists the classified section ids in sorted order.
func (o *Offences) Sections() []string {
	ids := make([]string, 0, len(o.bySection))
	for id := range o.bySection {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func procedure(c Classification) string {
	var b strings.Builder
	if c.Cognizable {
		b.WriteString("Police may register an FIR and arrest without a warrant. ")
	} else {
		b.WriteString("Police need a Magistrate's order to investigate and a warrant to arrest. ")
	}
	if c.Bailable {
		b.WriteString("Bail is a matter of right on furnishing bail bonds.")
	} else {
		b.WriteString("Bail is at the discretion of the Magistrate or the Court of Session.")
	}
	return b.String()
}
