package eval

import (
	"os"

	"github.com/m-mizutani/goerr/v2"
	"gopkg.in/yaml.v3"
)

// Dataset is a collection of retrieval questions and mapping checks.
type Dataset struct {
	Name     string        `json:"name" yaml:"name"`
	Tests    []TestCase    `json:"tests" yaml:"tests"`
	Mappings []MappingCase `json:"mappings" yaml:"mappings"`
}

// TestCase defines a single evaluation question.
type TestCase struct {
	Question         string   `json:"question" yaml:"question"`
	ExpectedSections []string `json:"expected_sections" yaml:"expected_sections"` // section ids that answer it, e.g. BNS-103
	ExpectedFacts    []string `json:"expected_facts" yaml:"expected_facts"`       // phrases the answer should contain
	Category         string   `json:"category" yaml:"category"`                   // lookup, penalty, cross-code, ...
}

// MappingCase is one gold old-to-new pair. An empty NewSectionID means the
// section was repealed.
type MappingCase struct {
	OldSectionID string `json:"old_section_id" yaml:"old_section_id"`
	NewSectionID string `json:"new_section_id" yaml:"new_section_id"`
}

// LoadDataset reads a dataset from a YAML or JSON file.
func LoadDataset(path string) (Dataset, error) {
	var ds Dataset
	data, err := os.ReadFile(path)
	if err != nil {
		return ds, goerr.Wrap(err, "reading dataset", goerr.V("path", path))
	}
	if err := yaml.Unmarshal(data, &ds); err != nil {
		return ds, goerr.Wrap(err, "parsing dataset", goerr.V("path", path))
	}
	if ds.Name == "" {
		ds.Name = path
	}
	if len(ds.Tests) == 0 && len(ds.Mappings) == 0 {
		return ds, goerr.New("dataset has no tests or mappings", goerr.V("path", path))
	}
	return ds, nil
}

// CriminalCodesDataset is a small IPC/BNS set covering frequently cited
// offences. It assumes both codes have been ingested.
func CriminalCodesDataset() Dataset {
	return Dataset{
		Name: "IPC/BNS core offences",
		Tests: []TestCase{
			{
				Question:         "What is the punishment for murder under the Bharatiya Nyaya Sanhita?",
				ExpectedSections: []string{"BNS-103"},
				ExpectedFacts:    []string{"death", "imprisonment for life", "fine"},
				Category:         "penalty",
			},
			{
				Question:         "Which section of the IPC punishes cheating and dishonestly inducing delivery of property?",
				ExpectedSections: []string{"IPC-420"},
				ExpectedFacts:    []string{"seven years"},
				Category:         "lookup",
			},
			{
				Question:         "What does the new code say about theft?",
				ExpectedSections: []string{"BNS-303"},
				ExpectedFacts:    []string{"theft"},
				Category:         "cross-code",
			},
			{
				Question:         "Punishment for criminal intimidation",
				ExpectedSections: []string{"IPC-506", "BNS-351"},
				ExpectedFacts:    []string{"two years"},
				Category:         "penalty",
			},
		},
		Mappings: []MappingCase{
			{OldSectionID: "IPC-302", NewSectionID: "BNS-103"},
			{OldSectionID: "IPC-420", NewSectionID: "BNS-318"},
			{OldSectionID: "IPC-379", NewSectionID: "BNS-303"},
			{OldSectionID: "IPC-506", NewSectionID: "BNS-351"},
			{OldSectionID: "IPC-377", NewSectionID: ""},
		},
	}
}
