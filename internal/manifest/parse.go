package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"path"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/opencontainers/go-digest"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/patchsync/internal/fingerprint"
	"github.com/schaermu/patchsync/internal/patcherr"
)

// Format is the serialization of a manifest document.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// Record is one entry of the manifest document.
type Record struct {
	Path string      `json:"path" yaml:"path"`
	Size uint64      `json:"size" yaml:"size"`
	Hash string      `json:"hash" yaml:"hash"`
	Mode fs.FileMode `json:"mode,omitempty" yaml:"mode,omitempty"`
}

// Document is the envelope form of a manifest.
type Document struct {
	Version string   `json:"version,omitempty" yaml:"version,omitempty"`
	Files   []Record `json:"files" yaml:"files"`
}

// rawRecord uses pointers so that missing fields can be told apart from
// zero values.
type rawRecord struct {
	Path *string `json:"path" yaml:"path"`
	Size *uint64 `json:"size" yaml:"size"`
	Hash *string `json:"hash" yaml:"hash"`
	Mode *uint32 `json:"mode" yaml:"mode"`
}

type rawDocument struct {
	Version string       `json:"version" yaml:"version"`
	Files   *[]rawRecord `json:"files" yaml:"files"`
}

// DetectFormat derives the format of a manifest from its URL or file name.
// A trailing ".zst" marks zstd compression.
func DetectFormat(name string) (Format, bool) {
	if u, err := url.Parse(name); err == nil && u.Path != "" {
		name = u.Path
	}
	compressed := false
	if strings.HasSuffix(name, ".zst") {
		compressed = true
		name = strings.TrimSuffix(name, ".zst")
	}
	switch path.Ext(name) {
	case ".yaml", ".yml":
		return FormatYAML, compressed
	default:
		return FormatJSON, compressed
	}
}

// Parse decodes a manifest document and validates every record against alg.
// Any deviation from the schema, an unsafe path or a duplicate path yields a
// MANIFEST_FORMAT_ERROR; nothing is silently corrected.
func Parse(data []byte, format Format, alg fingerprint.Algorithm, source string) (*Snapshot, error) {
	var (
		doc rawDocument
		err error
	)
	switch format {
	case FormatJSON:
		doc, err = decodeJSON(data)
	case FormatYAML:
		doc, err = decodeYAML(data)
	default:
		err = fmt.Errorf("unknown manifest format %q", format)
	}
	if err != nil {
		return nil, patcherr.ManifestFormat(source, "%v", err)
	}

	snap := NewSnapshot(alg)
	if doc.Version != "" {
		if _, err := semver.NewVersion(doc.Version); err != nil {
			return nil, patcherr.ManifestFormat(source, "invalid version %q: %v", doc.Version, err)
		}
		snap.Version = doc.Version
	}

	for i, rec := range *doc.Files {
		fp, err := rec.fingerprint(alg)
		if err != nil {
			return nil, patcherr.ManifestFormat(source, "record %d: %v", i, err)
		}
		if err := snap.Add(fp); err != nil {
			return nil, patcherr.ManifestFormat(source, "record %d: %v", i, err)
		}
	}
	if err := checkParents(snap); err != nil {
		return nil, patcherr.ManifestFormat(source, "%v", err)
	}
	return snap, nil
}

// checkParents rejects a snapshot in which a file is also the parent
// directory of another file. Such a tree can never be materialized.
func checkParents(snap *Snapshot) error {
	for _, p := range snap.Paths() {
		for dir := path.Dir(p); dir != "."; dir = path.Dir(dir) {
			if _, ok := snap.Get(dir); ok {
				return fmt.Errorf("%s: parent %s is listed as a file", p, dir)
			}
		}
	}
	return nil
}

func (r rawRecord) fingerprint(alg fingerprint.Algorithm) (Fingerprint, error) {
	switch {
	case r.Path == nil:
		return Fingerprint{}, errors.New("missing field \"path\"")
	case r.Size == nil:
		return Fingerprint{}, errors.New("missing field \"size\"")
	case r.Hash == nil:
		return Fingerprint{}, errors.New("missing field \"hash\"")
	}
	if err := ValidatePath(*r.Path); err != nil {
		return Fingerprint{}, err
	}
	sum, err := decodeHash(*r.Hash, alg)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("%s: %w", *r.Path, err)
	}
	fp := Fingerprint{Path: *r.Path, Size: *r.Size, Hash: sum}
	if r.Mode != nil {
		if *r.Mode&^uint32(fs.ModePerm) != 0 {
			return Fingerprint{}, fmt.Errorf("%s: mode %o has bits outside permissions", *r.Path, *r.Mode)
		}
		fp.Mode = fs.FileMode(*r.Mode)
	}
	return fp, nil
}

// decodeHash accepts a bare hex digest or an OCI-style "algorithm:hex" digest
// whose algorithm must match the session's.
func decodeHash(s string, alg fingerprint.Algorithm) ([]byte, error) {
	if !strings.Contains(s, ":") {
		return alg.DecodeHex(s)
	}
	d, err := digest.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid digest %q: %w", s, err)
	}
	if string(d.Algorithm()) != string(alg) {
		return nil, fmt.Errorf("digest algorithm %s does not match session algorithm %s", d.Algorithm(), alg)
	}
	return alg.DecodeHex(d.Encoded())
}

func decodeJSON(data []byte) (rawDocument, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return rawDocument{}, errors.New("empty document")
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()

	var doc rawDocument
	switch trimmed[0] {
	case '[':
		var records []rawRecord
		if err := dec.Decode(&records); err != nil {
			return rawDocument{}, err
		}
		doc.Files = &records
	case '{':
		if err := dec.Decode(&doc); err != nil {
			return rawDocument{}, err
		}
		if doc.Files == nil {
			return rawDocument{}, errors.New("missing field \"files\"")
		}
	default:
		return rawDocument{}, errors.New("document must be an array of records or an object with \"files\"")
	}

	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return rawDocument{}, errors.New("trailing data after document")
	}
	return doc, nil
}

func decodeYAML(data []byte) (rawDocument, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return rawDocument{}, err
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) != 1 {
		return rawDocument{}, errors.New("empty document")
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc rawDocument
	switch root.Content[0].Kind {
	case yaml.SequenceNode:
		var records []rawRecord
		if err := dec.Decode(&records); err != nil {
			return rawDocument{}, err
		}
		doc.Files = &records
	case yaml.MappingNode:
		if err := dec.Decode(&doc); err != nil {
			return rawDocument{}, err
		}
		if doc.Files == nil {
			return rawDocument{}, errors.New("missing field \"files\"")
		}
	default:
		return rawDocument{}, errors.New("document must be a sequence of records or a mapping with \"files\"")
	}

	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return rawDocument{}, errors.New("multiple documents in manifest")
	}
	return doc, nil
}
