package authority

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hyperengineering/tidesync/internal/schema"
	"gopkg.in/yaml.v3"
)

// LoadScheme reads a remote schema description from path. Files ending in
// .json use the wire field names; anything else is read as YAML.
func LoadScheme(path string) (*schema.DbScheme, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}

	var remote schema.DbScheme
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &remote)
	} else {
		err = yaml.Unmarshal(data, &remote)
	}
	if err != nil {
		return nil, fmt.Errorf("parse schema file %s: %w", path, err)
	}
	if len(remote.Tables) == 0 {
		return nil, fmt.Errorf("schema file %s: no tables", path)
	}

	// Table names default to their map key.
	for name, t := range remote.Tables {
		if t.Name == "" {
			t.Name = name
			remote.Tables[name] = t
		}
	}
	return &remote, nil
}
