package backup

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/johndauphine/stack-migrate/internal/migration"
)

const (
	artifactFormat  = "stack-migrate/backup"
	artifactVersion = 1
)

// header is the first JSON line of an artifact.
type header struct {
	Format    string         `json:"format"`
	Version   int            `json:"version"`
	Stack     string         `json:"stack"`
	Type      migration.Type `json:"type"`
	Count     int64          `json:"count"`
	CreatedOn time.Time      `json:"createdOn"`
}

// artifactWriter buffers records as JSON lines until the count is known.
type artifactWriter struct {
	body  bytes.Buffer
	enc   *json.Encoder
	count int64
}

func newArtifactWriter() *artifactWriter {
	w := &artifactWriter{}
	w.enc = json.NewEncoder(&w.body)
	return w
}

func (w *artifactWriter) add(recs []migration.Record) error {
	for _, rec := range recs {
		if err := w.enc.Encode(rec); err != nil {
			return fmt.Errorf("encoding record %d: %w", rec.ID, err)
		}
		w.count++
	}
	return nil
}

// finish returns the gzip-compressed artifact, encrypted when passphrase is set.
func (w *artifactWriter) finish(stack string, t migration.Type, passphrase string) ([]byte, error) {
	var out bytes.Buffer
	zw := gzip.NewWriter(&out)
	h := header{
		Format:    artifactFormat,
		Version:   artifactVersion,
		Stack:     stack,
		Type:      t,
		Count:     w.count,
		CreatedOn: time.Now().UTC(),
	}
	if err := json.NewEncoder(zw).Encode(h); err != nil {
		return nil, fmt.Errorf("encoding header: %w", err)
	}
	if _, err := zw.Write(w.body.Bytes()); err != nil {
		return nil, fmt.Errorf("compressing artifact: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compressing artifact: %w", err)
	}
	if passphrase == "" {
		return out.Bytes(), nil
	}
	return encrypt(out.Bytes(), passphrase)
}

// artifactReader yields records from a decoded artifact.
type artifactReader struct {
	header header
	zr     *gzip.Reader
	dec    *json.Decoder
}

func isGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}

// openArtifact decrypts if needed and reads the header. Every decoding
// problem wraps migration.ErrFatal.
func openArtifact(data []byte, passphrase string) (*artifactReader, error) {
	if !isGzip(data) {
		if passphrase == "" {
			return nil, fmt.Errorf("artifact is encrypted or not a backup, and no passphrase is configured: %w", migration.ErrFatal)
		}
		plain, err := decrypt(data, passphrase)
		if err != nil {
			return nil, err
		}
		data = plain
	}

	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("reading artifact: %v: %w", err, migration.ErrFatal)
	}
	r := &artifactReader{zr: zr, dec: json.NewDecoder(bufio.NewReader(zr))}
	if err := r.dec.Decode(&r.header); err != nil {
		zr.Close()
		return nil, fmt.Errorf("reading artifact header: %v: %w", err, migration.ErrFatal)
	}
	if r.header.Format != artifactFormat {
		zr.Close()
		return nil, fmt.Errorf("unrecognized artifact format %q: %w", r.header.Format, migration.ErrFatal)
	}
	if r.header.Version > artifactVersion {
		zr.Close()
		return nil, fmt.Errorf("artifact version %d is newer than supported %d: %w", r.header.Version, artifactVersion, migration.ErrFatal)
	}
	return r, nil
}

// records decodes every record and checks the total against the header.
// Any bad record or a count mismatch wraps migration.ErrFatal, so callers
// can reject the artifact before writing anything.
func (r *artifactReader) records() ([]migration.Record, error) {
	out := make([]migration.Record, 0, min(max(r.header.Count, 0), 1<<16))
	for {
		var rec migration.Record
		err := r.dec.Decode(&rec)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading artifact record %d: %v: %w", len(out)+1, err, migration.ErrFatal)
		}
		if rec.ID <= 0 {
			return nil, fmt.Errorf("artifact record %d has invalid id %d: %w", len(out)+1, rec.ID, migration.ErrFatal)
		}
		out = append(out, rec)
	}
	if int64(len(out)) != r.header.Count {
		return nil, fmt.Errorf("artifact holds %d records, header says %d: %w", len(out), r.header.Count, migration.ErrFatal)
	}
	return out, nil
}

func (r *artifactReader) close() error {
	return r.zr.Close()
}
