package scoring

import (
	"io/ioutil"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Suspicious holds the scoring inputs: keyword weights and suspicious TLDs.
type Suspicious struct {
	Keywords map[string]int `yaml:"keywords"`
	TLDs     []string       `yaml:"tlds"`
}

// External is an operator-provided overlay for the bundled suspicious list.
// When Override is set it replaces the bundled list wholesale, otherwise
// its keywords and TLDs are merged in (external keyword weights win).
type External struct {
	Override bool           `yaml:"override"`
	Keywords map[string]int `yaml:"keywords"`
	TLDs     []string       `yaml:"tlds"`
}

func readYaml(path string, target interface{}) error {
	f, err := ioutil.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read yaml file")
	}
	if err := yaml.Unmarshal(f, target); err != nil {
		return errors.Wrap(err, "unmarshal yaml file")
	}
	return nil
}

// LoadSuspicious reads the bundled suspicious list and, if externalPath is
// non-empty, applies the external overlay on top of it.
func LoadSuspicious(path, externalPath string) (*Suspicious, error) {
	var susp Suspicious
	if err := readYaml(path, &susp); err != nil {
		return nil, err
	}
	if susp.Keywords == nil {
		susp.Keywords = map[string]int{}
	}

	if externalPath == "" {
		return &susp, nil
	}

	var ext External
	if err := readYaml(externalPath, &ext); err != nil {
		return nil, err
	}

	if ext.Override {
		return &Suspicious{
			Keywords: ext.Keywords,
			TLDs:     ext.TLDs,
		}, nil
	}

	for kw, weight := range ext.Keywords {
		susp.Keywords[kw] = weight
	}
	existing := map[string]struct{}{}
	for _, tld := range susp.TLDs {
		existing[tld] = struct{}{}
	}
	for _, tld := range ext.TLDs {
		if _, ok := existing[tld]; !ok {
			susp.TLDs = append(susp.TLDs, tld)
		}
	}

	return &susp, nil
}
