package directory

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Napageneral/commsledger/internal/identity"
)

// CSV is an in-memory directory loaded from a contacts export with Name,
// Email, Phone and Organization columns. Organization stands in for a
// missing name.
type CSV struct {
	byKey map[string]string
}

// LoadCSVFile reads a contacts export from disk.
func LoadCSVFile(path string) (*CSV, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open contacts csv: %w", err)
	}
	defer f.Close()
	return LoadCSV(f)
}

// LoadCSV parses a contacts export.
func LoadCSV(r io.Reader) (*CSV, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return &CSV{byKey: map[string]string{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read contacts csv header: %w", err)
	}
	col := map[string]int{}
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	get := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	d := &CSV{byKey: map[string]string{}}
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read contacts csv: %w", err)
		}
		name := get(row, "name")
		if name == "" {
			name = get(row, "organization")
		}
		if name == "" {
			continue
		}
		if email := identity.NormalizeEmail(get(row, "email")); email != "" {
			d.byKey[identity.Alias{Kind: identity.KindEmail, Value: email}.Key()] = name
		}
		if phone := identity.NormalizePhone(get(row, "phone")); phone != "" {
			d.byKey[identity.Alias{Kind: identity.KindPhone, Value: phone}.Key()] = name
		}
	}
	return d, nil
}

// Len returns the number of indexed identifiers.
func (d *CSV) Len() int { return len(d.byKey) }

// Lookup implements Source. Only email and phone aliases are indexed.
func (d *CSV) Lookup(_ context.Context, alias identity.Alias) (string, bool, error) {
	name, ok := d.byKey[alias.Key()]
	return name, ok, nil
}
