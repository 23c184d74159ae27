package manifest

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Records converts a snapshot to manifest records sorted by path.
func Records(s *Snapshot) []Record {
	records := make([]Record, 0, s.Len())
	for _, p := range s.Paths() {
		fp := s.Files[p]
		records = append(records, Record{
			Path: fp.Path,
			Size: fp.Size,
			Hash: hex.EncodeToString(fp.Hash),
			Mode: fp.Mode.Perm(),
		})
	}
	return records
}

// Encode writes a snapshot as a manifest document. Snapshots with a version
// label use the envelope form, others a bare record list.
func Encode(w io.Writer, s *Snapshot, format Format) error {
	records := Records(s)

	var doc any = records
	if s.Version != "" {
		doc = Document{Version: s.Version, Files: records}
	}

	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown manifest format %q", format)
	}
}
