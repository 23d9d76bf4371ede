package fs

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"github.com/yacchi/kvmirror/types"
	"gopkg.in/yaml.v3"
)

// fileEntry is one setting in the file.
//
//	entries:
//	  - key: app/color
//	    label: prod   # omit for the null label
//	    value: blue
type fileEntry struct {
	Key   string  `yaml:"key"`
	Label *string `yaml:"label,omitempty"`
	Value *string `yaml:"value"`
}

// fileDocument is the file layout.
type fileDocument struct {
	Entries []fileEntry `yaml:"entries"`
}

func parseDocument(data []byte) (*fileDocument, error) {
	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	for i, e := range doc.Entries {
		if e.Key == "" {
			return nil, fmt.Errorf("entry %d has an empty key", i)
		}
	}
	return &doc, nil
}

func (d *fileDocument) marshal() ([]byte, error) {
	slices.SortStableFunc(d.Entries, func(a, b fileEntry) int {
		return strings.Compare(a.Key, b.Key)
	})
	return yaml.Marshal(d)
}

// index returns the position of key under label, or -1.
func (d *fileDocument) index(key string, label types.Label) int {
	return slices.IndexFunc(d.Entries, func(e fileEntry) bool {
		return e.Key == key && types.LabelFromPtr(e.Label) == label
	})
}

func (e fileEntry) keyValue() types.KeyValue {
	label := types.LabelFromPtr(e.Label)
	return types.KeyValue{
		Key:        e.Key,
		Label:      label,
		Value:      e.Value,
		VersionTag: versionTag(label, e.Value),
	}
}

// versionTag derives a tag from the label and value, so a rewrite with the
// same content keeps its tag.
func versionTag(label types.Label, value *string) string {
	h := sha256.New()
	if name, ok := label.Name(); ok {
		fmt.Fprintf(h, "l%d:%s", len(name), name)
	} else {
		h.Write([]byte("n"))
	}
	if value != nil {
		fmt.Fprintf(h, "v%d:%s", len(*value), *value)
	} else {
		h.Write([]byte("n"))
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}
