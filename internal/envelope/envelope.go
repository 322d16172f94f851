// Package envelope reads and writes the on-disk document format: a
// JSON object carrying the record list, the id allocator cursor, and
// integrity metadata.
package envelope

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"unicode/utf8"

	fwerrors "github.com/maruel/flywheel/internal/errors"
)

// SchemaVersion is the format generation written by Encode. Older
// files without the field are accepted as version 1.
const SchemaVersion = 1

// MaxFileSize bounds how many bytes Decode will even look at.
const MaxFileSize = 10 << 20

// BackupSuffix is appended to the data path for corruption backups.
const BackupSuffix = ".backup"

// Metadata carries integrity information about the record list.
type Metadata struct {
	Checksum string `json:"checksum,omitempty"`
}

// Envelope is the decoded document. Records stay raw so the caller
// chooses what to unmarshal them into.
type Envelope struct {
	SchemaVersion int               `json:"schema_version,omitempty"`
	Records       []json.RawMessage `json:"records"`
	NextID        int64             `json:"next_id,omitempty"`
	Metadata      *Metadata         `json:"metadata,omitempty"`

	// Legacy reports that the file held the bare-array format; the
	// next save upgrades it in place.
	Legacy bool `json:"-"`

	maxID int64
}

// MaxID returns the largest record id seen at decode time.
func (e *Envelope) MaxID() int64 {
	return e.maxID
}

// fileWire separates an absent records key from an empty one.
type fileWire struct {
	SchemaVersion int                `json:"schema_version"`
	Records       *[]json.RawMessage `json:"records"`
	NextID        int64              `json:"next_id"`
	Metadata      *Metadata          `json:"metadata"`
}

// Decode validates data read from path and returns the envelope.
//
// Validation order is part of the contract: size, encoding, JSON
// syntax, document shape, element shape, id uniqueness, checksum. A
// syntax failure writes a backup next to the file because the bytes
// may be salvageable corruption; a shape failure does not, because the
// bytes are healthy JSON that was never ours.
func Decode(path string, data []byte) (*Envelope, error) {
	if len(data) > MaxFileSize {
		return nil, fwerrors.New(fwerrors.CodeIO,
			fmt.Sprintf("file too large: %d bytes (max %d)", len(data), MaxFileSize)).WithPath(path)
	}
	if !utf8.Valid(data) {
		return nil, fwerrors.Encoding(path)
	}
	var env *Envelope
	trim := bytes.TrimLeft(data, " \t\r\n")
	switch {
	case len(trim) > 0 && trim[0] == '[':
		var raws []json.RawMessage
		if err := json.Unmarshal(data, &raws); err != nil {
			WriteBackup(path, data)
			return nil, fwerrors.Decode(path, err)
		}
		env = &Envelope{Records: raws, Legacy: true}
	case len(trim) > 0 && trim[0] == '{':
		var wire fileWire
		if err := json.Unmarshal(data, &wire); err != nil {
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &typeErr) {
				return nil, fwerrors.Schema(fmt.Sprintf("%q cannot hold a JSON %s", typeErr.Field, typeErr.Value))
			}
			WriteBackup(path, data)
			return nil, fwerrors.Decode(path, err)
		}
		if wire.Records == nil {
			return nil, fwerrors.Schema(`"records" key missing or null`)
		}
		if wire.SchemaVersion > SchemaVersion {
			slog.Warn("data file written by a newer schema", "path", path, "version", wire.SchemaVersion)
		}
		env = &Envelope{
			SchemaVersion: wire.SchemaVersion,
			Records:       *wire.Records,
			NextID:        wire.NextID,
			Metadata:      wire.Metadata,
		}
	default:
		if !json.Valid(data) {
			WriteBackup(path, data)
			return nil, fwerrors.Decode(path, errors.New("invalid JSON syntax"))
		}
		return nil, fwerrors.Schema(fmt.Sprintf("top-level value must be an object or an array, got %s", jsonKind(trim)))
	}

	objs := make([]map[string]any, len(env.Records))
	seen := make(map[int64]struct{}, len(env.Records))
	for i, raw := range env.Records {
		rt := bytes.TrimLeft(raw, " \t\r\n")
		if len(rt) == 0 || rt[0] != '{' {
			return nil, fwerrors.SchemaAt(i, fmt.Sprintf("must be an object, got %s", jsonKind(rt)))
		}
		obj, err := decodeObject(raw)
		if err != nil {
			return nil, fwerrors.SchemaAt(i, "must be an object")
		}
		id, err := recordID(i, obj)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[id]; dup {
			return nil, fwerrors.DuplicateID(id)
		}
		seen[id] = struct{}{}
		env.maxID = max(env.maxID, id)
		objs[i] = obj
	}

	if env.Metadata != nil && env.Metadata.Checksum != "" {
		if sum, err := canonicalSum(objs); err == nil && sum != env.Metadata.Checksum {
			slog.Warn("checksum mismatch, records remain the source of truth",
				"path", path, "stored", env.Metadata.Checksum, "computed", sum)
		}
	}

	// The cursor never moves backwards, even when the stored one lags
	// behind the ids actually in use.
	env.NextID = max(env.NextID, env.maxID+1)
	return env, nil
}

// Encode produces current-format document bytes with a fresh checksum
// over records.
func Encode(records []json.RawMessage, nextID int64) ([]byte, error) {
	objs := make([]map[string]any, len(records))
	seen := make(map[int64]struct{}, len(records))
	for i, raw := range records {
		obj, err := decodeObject(raw)
		if err != nil {
			return nil, fwerrors.SchemaAt(i, "must be an object")
		}
		id, err := recordID(i, obj)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[id]; dup {
			return nil, fwerrors.DuplicateID(id)
		}
		seen[id] = struct{}{}
		objs[i] = obj
	}
	sum, err := canonicalSum(objs)
	if err != nil {
		return nil, fwerrors.IO("hashing records", err)
	}
	if records == nil {
		records = []json.RawMessage{}
	}
	blob, err := json.MarshalIndent(&Envelope{
		SchemaVersion: SchemaVersion,
		Records:       records,
		NextID:        nextID,
		Metadata:      &Metadata{Checksum: sum},
	}, "", "  ")
	if err != nil {
		return nil, fwerrors.IO("encoding data file", err)
	}
	return append(blob, '\n'), nil
}

// CountRecords reports how many records the raw document holds without
// validating or retaining the records themselves.
func CountRecords(path string, data []byte) (int, error) {
	if len(data) > MaxFileSize {
		return 0, fwerrors.New(fwerrors.CodeIO,
			fmt.Sprintf("file too large: %d bytes (max %d)", len(data), MaxFileSize)).WithPath(path)
	}
	trim := bytes.TrimLeft(data, " \t\r\n")
	if len(trim) > 0 && trim[0] == '[' {
		var raws []json.RawMessage
		if err := json.Unmarshal(data, &raws); err != nil {
			return 0, fwerrors.Decode(path, err)
		}
		return len(raws), nil
	}
	var wire fileWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return 0, fwerrors.Decode(path, err)
	}
	if wire.Records == nil {
		return 0, fwerrors.Schema(`"records" key missing or null`)
	}
	return len(*wire.Records), nil
}

// decodeObject unmarshals one record keeping numbers as json.Number,
// so ids above float64 precision survive intact.
func decodeObject(raw json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// recordID pulls the id out of a decoded record map.
func recordID(index int, obj map[string]any) (int64, error) {
	v, ok := obj["id"]
	if !ok {
		return 0, fwerrors.SchemaAt(index, "is missing an id")
	}
	n, ok := v.(json.Number)
	if !ok {
		return 0, fwerrors.SchemaAt(index, fmt.Sprintf("has a non-integer id %v", v))
	}
	id, err := n.Int64()
	if err != nil {
		return 0, fwerrors.SchemaAt(index, fmt.Sprintf("has a non-integer id %v", n))
	}
	if id <= 0 {
		return 0, fwerrors.SchemaAt(index, fmt.Sprintf("has a non-positive id %d", id))
	}
	return id, nil
}

// canonicalSum hashes the key-sorted serialization of the records.
// encoding/json writes map keys sorted, which is exactly the canonical
// form the checksum is defined over.
func canonicalSum(objs []map[string]any) (string, error) {
	blob, err := json.Marshal(objs)
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256(blob)
	return hex.EncodeToString(digest[:]), nil
}

// WriteBackup copies unreadable bytes aside before a decode error
// surfaces; the original stays put as evidence.
func WriteBackup(path string, data []byte) {
	backup := path + BackupSuffix
	if err := os.WriteFile(backup, data, 0o600); err != nil {
		slog.Warn("could not write corruption backup", "path", backup, "err", err)
		return
	}
	slog.Warn("backed up unreadable data file", "path", path, "backup", backup)
}

// jsonKind names the JSON value type starting at b for error messages.
func jsonKind(b []byte) string {
	if len(b) == 0 {
		return "nothing"
	}
	switch b[0] {
	case '{':
		return "object"
	case '[':
		return "array"
	case '"':
		return "string"
	case 't', 'f':
		return "boolean"
	case 'n':
		return "null"
	default:
		return "number"
	}
}
