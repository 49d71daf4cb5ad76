package knowledge

import (
	"encoding/csv"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Accepted header spellings, matched case-insensitively.
var (
	brandColumns      = map[string]bool{"brand": true, "brand_name": true, "trade": true, "trade_name": true, "proprietary": true, "alias": true}
	genericColumns    = map[string]bool{"generic": true, "generic_name": true, "ingredient": true, "canonical": true, "canonical_name": true}
	confidenceColumns = map[string]bool{"confidence": true, "source_confidence": true}
)

const (
	aliasScoreBase = 0.85
	aliasScoreHigh = 0.95
)

// aliasEntry maps one name to its counterpart with a source-derived score.
type aliasEntry struct {
	Counterpart string
	Score       float64
}

// AliasTable holds the bidirectional brand↔generic mapping. Loaded once at
// startup and read-only afterwards, so lookups need no locking.
type AliasTable struct {
	byName map[string]aliasEntry
}

// NewAliasTable returns an empty table.
func NewAliasTable() *AliasTable {
	return &AliasTable{byName: make(map[string]aliasEntry)}
}

// LoadAliasFiles builds a table from CSV files merged in order. For a brand
// key present in more than one file the last-loaded mapping wins.
func LoadAliasFiles(paths []string) (*AliasTable, error) {
	t := NewAliasTable()
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return nil, eris.Wrap(err, "knowledge: open alias file")
		}
		err = t.MergeCSV(f, p)
		f.Close()
		if err != nil {
			return nil, err
		}
	}
	zap.L().Info("alias table loaded",
		zap.Int("files", len(paths)),
		zap.Int("entries", len(t.byName)),
	)
	return t, nil
}

// MergeCSV reads one CSV source into the table, last write winning.
func (t *AliasTable) MergeCSV(r io.Reader, name string) error {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return eris.Wrap(err, "knowledge: read alias header")
	}

	brandIdx, genericIdx, confIdx := -1, -1, -1
	for i, col := range header {
		key := strings.ToLower(strings.TrimSpace(col))
		switch {
		case brandColumns[key]:
			brandIdx = i
		case genericColumns[key]:
			genericIdx = i
		case confidenceColumns[key]:
			confIdx = i
		}
	}
	if brandIdx < 0 || genericIdx < 0 {
		return eris.Errorf("knowledge: alias file %s missing brand or generic column", name)
	}

	rows := 0
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return eris.Wrap(err, "knowledge: read alias row")
		}
		if brandIdx >= len(record) || genericIdx >= len(record) {
			continue
		}

		brand := strings.TrimSpace(record[brandIdx])
		generic := strings.TrimSpace(record[genericIdx])
		if brand == "" || generic == "" {
			continue
		}

		score := aliasScoreBase
		if confIdx >= 0 && confIdx < len(record) &&
			strings.EqualFold(strings.TrimSpace(record[confIdx]), "high") {
			score = aliasScoreHigh
		}

		t.byName[NormalizeLight(brand)] = aliasEntry{Counterpart: generic, Score: score}
		t.byName[NormalizeLight(generic)] = aliasEntry{Counterpart: brand, Score: score}
		rows++
	}

	zap.L().Debug("merged alias source", zap.String("file", name), zap.Int("rows", rows))
	return nil
}

// Lookup returns the counterpart name and score for a brand or generic name.
func (t *AliasTable) Lookup(name string) (string, float64, bool) {
	e, ok := t.byName[NormalizeLight(name)]
	if !ok {
		return "", 0, false
	}
	return e.Counterpart, e.Score, true
}

// Len reports the number of mapped names.
func (t *AliasTable) Len() int { return len(t.byName) }
