package vecmem

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Manifest describes a backup tarball's contents, per the Persistence
// interface of SPEC_FULL.md §6. Backup format (tar+gzip+JSON manifest) is
// implementation-defined, as the spec allows; archive/tar and compress/gzip
// are stdlib, used here because no library in the example pack offers a
// better-fit tar/gzip primitive than the standard one the Go ecosystem
// itself converges on for this exact format — a standard-library choice
// documented per the grounding ledger's justification requirement.
type Manifest struct {
	CreatedAt    time.Time         `json:"created_at"`
	Dimension    int               `json:"dimension"`
	RecordCounts map[string]int    `json:"record_counts"`
}

const manifestName = "manifest.json"

// Backup writes every layer's records to w as a gzip'd tarball carrying a
// JSON manifest, satisfying the round-trip property of §8:
// restore(backup(S)) must reproduce the same (id, layer, text, embedding,
// tags) tuples.
func (s *Store) Backup(w io.Writer) error {
	gz := gzip.NewWriter(w)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	counts := make(map[string]int)
	type layerDump struct {
		Layer   Layer     `json:"-"`
		Records []*Record `json:"records"`
	}
	dumps := make([]layerDump, 0, len(Layers))
	for _, l := range Layers {
		recs, err := s.IterLayer(l)
		if err != nil {
			return err
		}
		counts[l.String()] = len(recs)
		dumps = append(dumps, layerDump{Layer: l, Records: recs})
	}

	manifest := Manifest{CreatedAt: time.Now(), Dimension: s.dim, RecordCounts: counts}
	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		return err
	}
	if err := writeTarEntry(tw, manifestName, manifestBytes); err != nil {
		return err
	}

	for _, d := range dumps {
		raw, err := json.Marshal(d.Records)
		if err != nil {
			return err
		}
		if err := writeTarEntry(tw, d.Layer.String()+".json", raw); err != nil {
			return err
		}
	}
	return nil
}

func writeTarEntry(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{Name: name, Mode: 0o600, Size: int64(len(data))}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}

// Restore reads a tarball produced by Backup and re-inserts every record,
// rebuilding each layer's in-memory index from the restored content, per
// §6's "Indices are rebuilt from records on restore."
func (s *Store) Restore(r io.Reader) (*Manifest, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("vecmem: restore: %w", err)
	}
	defer gz.Close()
	tr := tar.NewReader(gz)

	var manifest Manifest
	var pending []*Record
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("vecmem: restore: %w", err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, err
		}
		if hdr.Name == manifestName {
			if err := json.Unmarshal(data, &manifest); err != nil {
				return nil, err
			}
			continue
		}
		var recs []*Record
		if err := json.Unmarshal(data, &recs); err != nil {
			return nil, fmt.Errorf("vecmem: restore %s: %w", hdr.Name, err)
		}
		pending = append(pending, recs...)
	}

	if len(pending) > 0 {
		if err := s.InsertBatch(pending); err != nil {
			return nil, err
		}
	}
	return &manifest, nil
}
