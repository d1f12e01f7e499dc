package board

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed boards.yaml
var embeddedTable []byte

type tableDocument struct {
	Boards []Spec `yaml:"boards"`
}

// Table is an immutable, ordered set of board specifications.
type Table struct {
	boards map[ID]Spec
	order  []ID
}

// Default parses the board table compiled into the binary.
func Default() (*Table, error) {
	return Parse(bytes.NewReader(embeddedTable))
}

// LoadFile parses a board table from path.
func LoadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open board table: %w", err)
	}
	defer f.Close()

	table, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("board table %s: %w", path, err)
	}
	return table, nil
}

// Parse decodes and validates a YAML board table.
func Parse(r io.Reader) (*Table, error) {
	var doc tableDocument
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode board table: %w", err)
	}
	if len(doc.Boards) == 0 {
		return nil, errors.New("board table is empty")
	}

	table := &Table{boards: make(map[ID]Spec, len(doc.Boards))}
	for _, spec := range doc.Boards {
		spec.ID = ID(strings.ToLower(strings.TrimSpace(string(spec.ID))))
		if err := spec.validate(); err != nil {
			return nil, err
		}
		if _, exists := table.boards[spec.ID]; exists {
			return nil, fmt.Errorf("duplicate board %q", spec.ID)
		}
		table.boards[spec.ID] = spec
		table.order = append(table.order, spec.ID)
	}
	return table, nil
}

// Get returns the specification for id.
func (t *Table) Get(id string) (Spec, error) {
	normalized := ID(strings.ToLower(strings.TrimSpace(id)))
	spec, ok := t.boards[normalized]
	if !ok {
		return Spec{}, fmt.Errorf("%w %q (supported: %s)", ErrUnknownBoard, id, strings.Join(t.IDs(), ", "))
	}
	return spec, nil
}

// ListAll returns every board in table order.
func (t *Table) ListAll() []Spec {
	specs := make([]Spec, 0, len(t.order))
	for _, id := range t.order {
		specs = append(specs, t.boards[id])
	}
	return specs
}

// IDs returns the identifiers of every board in table order.
func (t *Table) IDs() []string {
	ids := make([]string, 0, len(t.order))
	for _, id := range t.order {
		ids = append(ids, string(id))
	}
	return ids
}
