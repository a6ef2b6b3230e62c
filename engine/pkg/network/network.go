// Package network imports a participant list exported from the legacy
// back office into the sponsor graph.
package network

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/rsprolipsi/compensation/engine/pkg/genealogy"
)

// Record is one exported row. Sponsor refers to another row by ID, login or
// name; empty or a "raiz" marker means the row is a root.
type Record struct {
	ID      string
	Login   string
	Name    string
	Sponsor string
	Status  genealogy.Status
}

func (r Record) isRoot() bool {
	ref := strings.ToLower(r.Sponsor)
	return ref == "" || strings.Contains(ref, "raiz")
}

// columns maps header names to Record fields. Matching ignores case.
var columns = map[string]func(r *Record, v string){
	"id":        func(r *Record, v string) { r.ID = v },
	"login":     func(r *Record, v string) { r.Login = v },
	"nome":      func(r *Record, v string) { r.Name = v },
	"name":      func(r *Record, v string) { r.Name = v },
	"indicador": func(r *Record, v string) { r.Sponsor = v },
	"sponsor":   func(r *Record, v string) { r.Sponsor = v },
	"status":    func(r *Record, v string) { r.Status = parseStatus(v) },
}

func parseStatus(v string) genealogy.Status {
	switch strings.ToLower(v) {
	case "", "ativo", "active":
		return genealogy.StatusActive
	case "inativo", "inactive":
		return genealogy.StatusInactive
	default:
		return genealogy.StatusPending
	}
}

// ReadCSV parses an export with a header row. The ID column is required.
func ReadCSV(r io.Reader) ([]Record, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	setters := make([]func(*Record, string), len(header))
	hasID := false
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		setters[i] = columns[key]
		hasID = hasID || key == "id"
	}
	if !hasID {
		return nil, errors.New("network: ID column is required")
	}

	var out []Record
	for line := 2; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read line %d: %w", line, err)
		}
		rec := Record{Status: genealogy.StatusActive}
		for i, v := range row {
			if i < len(setters) && setters[i] != nil {
				setters[i](&rec, norm.NFC.String(strings.TrimSpace(v)))
			}
		}
		if rec.ID == "" {
			return nil, fmt.Errorf("network: line %d has no ID", line)
		}
		out = append(out, rec)
	}
}

// Order resolves sponsor references and returns participants so that every
// sponsor precedes its sponsees. Rows whose sponsor never resolves are
// returned as orphans; rows repeating an earlier ID are skipped.
func Order(records []Record) (ordered []genealogy.Participant, orphans []Record) {
	refs := make(map[string]string)
	seen := make(map[string]bool)
	index := func(r Record) {
		for _, k := range []string{r.ID, strings.ToLower(r.Login), strings.ToLower(r.Name)} {
			if k != "" {
				if _, ok := refs[k]; !ok {
					refs[k] = r.ID
				}
			}
		}
	}

	pending := records
	for len(pending) > 0 {
		var next []Record
		for _, r := range pending {
			if seen[r.ID] {
				continue
			}
			p := genealogy.Participant{ID: r.ID, Status: r.Status}
			if !r.isRoot() {
				sponsor, ok := refs[r.Sponsor]
				if !ok {
					sponsor, ok = refs[strings.ToLower(r.Sponsor)]
				}
				if !ok {
					next = append(next, r)
					continue
				}
				p.SponsorID = sponsor
			}
			seen[r.ID] = true
			index(r)
			ordered = append(ordered, p)
		}
		if len(next) == len(pending) {
			return ordered, next
		}
		pending = next
	}
	return ordered, nil
}

// Upserter is a sponsor graph that can be written to.
type Upserter interface {
	UpsertParticipant(ctx context.Context, p genealogy.Participant) error
}

type ImportResult struct {
	Imported int
	Orphans  []Record
}

// Import writes records to every sink in sponsor order. It stops at the
// first write error; participants written before it stay written, and a
// rerun upserts them again.
func Import(ctx context.Context, log *slog.Logger, records []Record, sinks ...Upserter) (ImportResult, error) {
	ordered, orphans := Order(records)
	for _, o := range orphans {
		log.Warn("network: sponsor not found", "participant", o.ID, "sponsor", o.Sponsor)
	}

	res := ImportResult{Orphans: orphans}
	for _, p := range ordered {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		for _, sink := range sinks {
			if err := sink.UpsertParticipant(ctx, p); err != nil {
				return res, fmt.Errorf("failed to import %s: %w", p.ID, err)
			}
		}
		res.Imported++
	}
	log.Info("network: import completed", "imported", res.Imported, "orphans", len(orphans))
	return res, nil
}
