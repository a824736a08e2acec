// Package seedfile loads operator-curated knowledge atoms from YAML,
// CSV, or XLSX files for bulk import.
package seedfile

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/docdex/internal/model"
)

// entry is one curated atom before validation. CSV and XLSX files carry
// the same fields as header columns.
type entry struct {
	Entity       string  `yaml:"entity"`
	DocumentType string  `yaml:"document_type"`
	Title        string  `yaml:"title"`
	Body         string  `yaml:"body"`
	SourceURL    string  `yaml:"source_url"`
	Confidence   float64 `yaml:"confidence"`
}

// Load parses the file at path by extension and returns drafts ready for
// the store. Entries come back human-verified with source type
// human_feedback; the source ref records the file they came from.
func Load(path string) ([]model.AtomDraft, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return loadYAML(path)
	case ".csv":
		return loadCSV(path)
	case ".xlsx":
		return loadXLSX(path)
	default:
		return nil, eris.Errorf("seedfile: unsupported format %q, use .yaml, .csv or .xlsx", ext)
	}
}

func loadYAML(path string) ([]model.AtomDraft, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "seedfile: read file")
	}

	var doc struct {
		Atoms []entry `yaml:"atoms"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, eris.Wrap(err, "seedfile: parse yaml")
	}
	return validate(doc.Atoms, filepath.Base(path))
}

func loadCSV(path string) ([]model.AtomDraft, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "seedfile: open csv")
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, eris.Wrap(err, "seedfile: read csv header")
	}
	cols := columnIndex(header)

	var entries []entry
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrap(err, "seedfile: read csv row")
		}
		if e, ok := entryFromRecord(record, cols); ok {
			entries = append(entries, e)
		}
	}
	return validate(entries, filepath.Base(path))
}

func loadXLSX(path string) ([]model.AtomDraft, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "seedfile: open xlsx")
	}
	if len(f.Sheets) == 0 || len(f.Sheets[0].Rows) == 0 {
		return nil, eris.New("seedfile: xlsx has no rows")
	}

	sheet := f.Sheets[0]
	cols := columnIndex(rowStrings(sheet.Rows[0]))

	var entries []entry
	for _, row := range sheet.Rows[1:] {
		if e, ok := entryFromRecord(rowStrings(row), cols); ok {
			entries = append(entries, e)
		}
	}
	return validate(entries, filepath.Base(path))
}

// columnIndex maps folded header names to positions so column order in
// the sheet does not matter.
func columnIndex(header []string) map[string]int {
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	return cols
}

func field(record []string, cols map[string]int, name string) string {
	i, ok := cols[name]
	if !ok || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

// entryFromRecord builds an entry from one row. Blank rows, common at
// the tail of hand-edited spreadsheets, report ok=false and are skipped.
func entryFromRecord(record []string, cols map[string]int) (entry, bool) {
	e := entry{
		Entity:       field(record, cols, "entity"),
		DocumentType: field(record, cols, "document_type"),
		Title:        field(record, cols, "title"),
		Body:         field(record, cols, "body"),
		SourceURL:    field(record, cols, "source_url"),
	}
	if raw := field(record, cols, "confidence"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			e.Confidence = v
		}
	}
	if e.Entity == "" && e.Title == "" && e.SourceURL == "" {
		return entry{}, false
	}
	return e, true
}

func validate(entries []entry, source string) ([]model.AtomDraft, error) {
	if len(entries) == 0 {
		return nil, eris.Errorf("seedfile: %s has no atoms", source)
	}

	drafts := make([]model.AtomDraft, 0, len(entries))
	for i, e := range entries {
		key := model.EntityKey(e.Entity)
		if key == "" {
			return nil, eris.Errorf("seedfile: atom %d: entity is required", i+1)
		}
		dt := model.DocumentType(e.DocumentType)
		if !model.ValidDocumentType(dt) {
			return nil, eris.Errorf("seedfile: atom %d (%s): unknown document type %q", i+1, e.Entity, e.DocumentType)
		}
		if e.Title == "" || e.SourceURL == "" {
			return nil, eris.Errorf("seedfile: atom %d (%s): title and source_url are required", i+1, e.Entity)
		}

		// Curation is the strongest signal we take; unscored entries
		// import at full confidence.
		conf := e.Confidence
		if conf <= 0 || conf > 1 {
			conf = 1.0
		}

		drafts = append(drafts, model.AtomDraft{
			EntityKey:     key,
			DocumentType:  dt,
			Title:         e.Title,
			Body:          e.Body,
			SourceURL:     e.SourceURL,
			Confidence:    conf,
			HumanVerified: true,
			SourceType:    model.SourceHumanFeedback,
			SourceRef:     "import:" + source,
		})
	}
	return drafts, nil
}

func rowStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for i, cell := range row.Cells {
		cells[i] = cell.String()
	}
	return cells
}
