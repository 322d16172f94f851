package envelope

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	fwerrors "github.com/maruel/flywheel/internal/errors"
)

func TestDecodeDiscrimination(t *testing.T) {
	data := []struct {
		name        string
		input       string
		code        fwerrors.Code
		wantBackup  bool
		msgContains string
	}{
		{
			name:        "truncated json backs up",
			input:       "{invalid",
			code:        fwerrors.CodeDecode,
			wantBackup:  true,
			msgContains: "invalid JSON",
		},
		{
			name:        "garbage backs up",
			input:       "hello world",
			code:        fwerrors.CodeDecode,
			wantBackup:  true,
			msgContains: "invalid JSON",
		},
		{
			name:        "string top level is structural",
			input:       `"just a string"`,
			code:        fwerrors.CodeSchema,
			msgContains: "got string",
		},
		{
			name:        "number top level is structural",
			input:       `42`,
			code:        fwerrors.CodeSchema,
			msgContains: "got number",
		},
		{
			name:        "null top level is structural",
			input:       `null`,
			code:        fwerrors.CodeSchema,
			msgContains: "got null",
		},
		{
			name:        "missing records key",
			input:       `{"next_id": 5}`,
			code:        fwerrors.CodeSchema,
			msgContains: `"records" key missing or null`,
		},
		{
			name:        "records holds a number",
			input:       `{"records": 42}`,
			code:        fwerrors.CodeSchema,
			msgContains: "records",
		},
		{
			name:        "null element names its index",
			input:       `{"records": [{"id":1}, null]}`,
			code:        fwerrors.CodeSchema,
			msgContains: "record at index 1 must be an object, got null",
		},
		{
			name:        "scalar element names its index",
			input:       `[{"id":1}, "x"]`,
			code:        fwerrors.CodeSchema,
			msgContains: "record at index 1 must be an object, got string",
		},
		{
			name:        "duplicate id names the id",
			input:       `{"records": [{"id":2,"text":"a"}, {"id":2,"text":"b"}]}`,
			code:        fwerrors.CodeDuplicateID,
			msgContains: "duplicate record id 2",
		},
		{
			name:        "missing id names the index",
			input:       `[{"text":"a"}]`,
			code:        fwerrors.CodeSchema,
			msgContains: "record at index 0 is missing an id",
		},
		{
			name:        "zero id rejected",
			input:       `[{"id":0}]`,
			code:        fwerrors.CodeSchema,
			msgContains: "non-positive id 0",
		},
		{
			name:        "negative id rejected",
			input:       `[{"id":-3}]`,
			code:        fwerrors.CodeSchema,
			msgContains: "non-positive id -3",
		},
		{
			name:        "fractional id rejected",
			input:       `[{"id":1.5}]`,
			code:        fwerrors.CodeSchema,
			msgContains: "non-integer id 1.5",
		},
		{
			name:        "string id rejected",
			input:       `[{"id":"7"}]`,
			code:        fwerrors.CodeSchema,
			msgContains: "non-integer id",
		},
		{
			name:        "id beyond int64 rejected",
			input:       `[{"id":18446744073709551616}]`,
			code:        fwerrors.CodeSchema,
			msgContains: "non-integer id",
		},
	}
	for _, line := range data {
		t.Run(line.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "data.json")
			_, err := Decode(path, []byte(line.input))
			if !fwerrors.IsCode(err, line.code) {
				t.Fatalf("err = %v, want code %s", err, line.code)
			}
			if line.msgContains != "" && !strings.Contains(err.Error(), line.msgContains) {
				t.Errorf("error %q does not mention %q", err.Error(), line.msgContains)
			}
			backup := path + BackupSuffix
			got, readErr := os.ReadFile(backup)
			if line.wantBackup {
				if readErr != nil {
					t.Fatalf("backup not written: %v", readErr)
				}
				if string(got) != line.input {
					t.Errorf("backup holds %q, want the original bytes %q", got, line.input)
				}
			} else if !os.IsNotExist(readErr) {
				t.Errorf("structural failure must not write a backup, found %q", backup)
			}
		})
	}
}

func TestDecodeInvalidUTF8(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	_, err := Decode(path, []byte{0xff, 0xfe, '{', '}'})
	if !fwerrors.IsCode(err, fwerrors.CodeEncoding) {
		t.Fatalf("err = %v, want encoding error", err)
	}
	if !strings.Contains(err.Error(), path) {
		t.Errorf("error %q does not name the file", err.Error())
	}
}

func TestDecodeTooLarge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	blob := bytes.Repeat([]byte(" "), MaxFileSize+1)
	_, err := Decode(path, blob)
	if !fwerrors.IsCode(err, fwerrors.CodeIO) {
		t.Fatalf("err = %v, want size error", err)
	}
	if !strings.Contains(err.Error(), "file too large") {
		t.Errorf("error %q does not mention the size cap", err.Error())
	}
}

func TestDecodeLegacyArray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.json")
	env, err := Decode(path, []byte(`[{"id":1,"text":"a"},{"id":4,"text":"b"}]`))
	if err != nil {
		t.Fatal(err)
	}
	if !env.Legacy {
		t.Error("bare array not flagged as legacy")
	}
	if len(env.Records) != 2 {
		t.Fatalf("got %d records, want 2", len(env.Records))
	}
	if env.MaxID() != 4 {
		t.Errorf("MaxID = %d, want 4", env.MaxID())
	}
	if env.NextID != 5 {
		t.Errorf("NextID = %d, want 5", env.NextID)
	}
}

func TestDecodeLargeIDsKeepPrecision(t *testing.T) {
	// Adjacent ids above 2^53 collapse to the same value as float64;
	// they must stay distinct so uniqueness checking cannot be evaded.
	path := filepath.Join(t.TempDir(), "data.json")
	env, err := Decode(path, []byte(`[{"id":9007199254740993},{"id":9007199254740992}]`))
	if err != nil {
		t.Fatal(err)
	}
	if env.MaxID() != 9007199254740993 {
		t.Errorf("MaxID = %d, want 9007199254740993", env.MaxID())
	}
	_, err = Decode(path, []byte(`[{"id":9007199254740993},{"id":9007199254740993}]`))
	if !fwerrors.IsCode(err, fwerrors.CodeDuplicateID) {
		t.Fatalf("err = %v, want duplicate id error", err)
	}
	if !strings.Contains(err.Error(), "9007199254740993") {
		t.Errorf("error %q does not name the id", err.Error())
	}
}

func TestDecodeNextIDNeverRegresses(t *testing.T) {
	data := []struct {
		name  string
		input string
		want  int64
	}{
		{"cursor ahead of ids", `{"records":[{"id":1}],"next_id":9}`, 9},
		{"cursor behind ids", `{"records":[{"id":1},{"id":3},{"id":5}],"next_id":2}`, 6},
		{"empty with cursor", `{"records":[],"next_id":7}`, 7},
		{"empty without cursor", `{"records":[]}`, 1},
		{"legacy computes cursor", `[{"id":3}]`, 4},
	}
	for _, line := range data {
		t.Run(line.name, func(t *testing.T) {
			env, err := Decode(filepath.Join(t.TempDir(), "data.json"), []byte(line.input))
			if err != nil {
				t.Fatal(err)
			}
			if env.NextID != line.want {
				t.Errorf("NextID = %d, want %d", env.NextID, line.want)
			}
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	records := []json.RawMessage{
		json.RawMessage(`{"id":1,"text":"first","done":false}`),
		json.RawMessage(`{"id":2,"text":"second","done":true}`),
	}
	blob, err := Encode(records, 3)
	if err != nil {
		t.Fatal(err)
	}
	env, err := Decode(filepath.Join(t.TempDir(), "data.json"), blob)
	if err != nil {
		t.Fatal(err)
	}
	if env.Legacy {
		t.Error("current format decoded as legacy")
	}
	if env.SchemaVersion != SchemaVersion {
		t.Errorf("SchemaVersion = %d, want %d", env.SchemaVersion, SchemaVersion)
	}
	if env.NextID != 3 {
		t.Errorf("NextID = %d, want 3", env.NextID)
	}
	if env.Metadata == nil || env.Metadata.Checksum == "" {
		t.Fatal("checksum not written")
	}
	if len(env.Records) != len(records) {
		t.Fatalf("got %d records, want %d", len(env.Records), len(records))
	}
	for i := range records {
		var a, b bytes.Buffer
		if err := json.Compact(&a, records[i]); err != nil {
			t.Fatal(err)
		}
		if err := json.Compact(&b, env.Records[i]); err != nil {
			t.Fatal(err)
		}
		if a.String() != b.String() {
			t.Errorf("record %d = %s, want %s", i, b.String(), a.String())
		}
	}
}

func TestEncodeEmptyKeepsCursor(t *testing.T) {
	blob, err := Encode(nil, 6)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(blob), `"records": []`) {
		t.Errorf("empty records not written as []:\n%s", blob)
	}
	env, err := Decode(filepath.Join(t.TempDir(), "data.json"), blob)
	if err != nil {
		t.Fatal(err)
	}
	if env.NextID != 6 {
		t.Errorf("NextID = %d, want 6 after an empty save", env.NextID)
	}
}

func TestEncodeRejectsDuplicates(t *testing.T) {
	records := []json.RawMessage{
		json.RawMessage(`{"id":3,"text":"a"}`),
		json.RawMessage(`{"id":3,"text":"b"}`),
	}
	_, err := Encode(records, 4)
	if !fwerrors.IsCode(err, fwerrors.CodeDuplicateID) {
		t.Fatalf("err = %v, want duplicate id error", err)
	}
	if !strings.Contains(err.Error(), "3") {
		t.Errorf("error %q does not name the id", err.Error())
	}
}

// captureLogs routes slog output to a buffer for the duration of the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestDecodeChecksumMismatchWarns(t *testing.T) {
	blob, err := Encode([]json.RawMessage{json.RawMessage(`{"id":1,"text":"aaa"}`)}, 2)
	if err != nil {
		t.Fatal(err)
	}
	tampered := bytes.Replace(blob, []byte(`"text": "aaa"`), []byte(`"text": "bbb"`), 1)
	if bytes.Equal(tampered, blob) {
		t.Fatal("tampering did not change the payload")
	}
	buf := captureLogs(t)
	env, err := Decode(filepath.Join(t.TempDir(), "data.json"), tampered)
	if err != nil {
		t.Fatalf("checksum mismatch must not fail the load: %v", err)
	}
	if len(env.Records) != 1 {
		t.Fatalf("records lost: %d", len(env.Records))
	}
	if !strings.Contains(buf.String(), "checksum mismatch") {
		t.Errorf("no mismatch warning logged:\n%s", buf.String())
	}
}

func TestDecodeChecksumMatchIsQuiet(t *testing.T) {
	blob, err := Encode([]json.RawMessage{json.RawMessage(`{"id":1,"text":"aaa"}`)}, 2)
	if err != nil {
		t.Fatal(err)
	}
	buf := captureLogs(t)
	if _, err := Decode(filepath.Join(t.TempDir(), "data.json"), blob); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(buf.String(), "checksum") {
		t.Errorf("unexpected checksum log:\n%s", buf.String())
	}
}

func TestCountRecords(t *testing.T) {
	data := []struct {
		name    string
		input   string
		want    int
		wantErr bool
	}{
		{"envelope", `{"records":[{"id":1},{"id":2},{"id":3}],"next_id":4}`, 3, false},
		{"legacy", `[{"id":1},{"id":2}]`, 2, false},
		{"empty", `{"records":[]}`, 0, false},
		{"corrupt", `{invalid`, 0, true},
		{"wrong shape", `{"next_id":1}`, 0, true},
	}
	for _, line := range data {
		t.Run(line.name, func(t *testing.T) {
			got, err := CountRecords("data.json", []byte(line.input))
			if line.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != line.want {
				t.Errorf("count = %d, want %d", got, line.want)
			}
		})
	}
}

func TestSchemaReflection(t *testing.T) {
	blob, err := Schema()
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"records"`, `"id"`, `"next_id"`, `"checksum"`} {
		if !strings.Contains(string(blob), want) {
			t.Errorf("schema misses %s:\n%s", want, blob)
		}
	}
}

func TestCheckSchema(t *testing.T) {
	valid, err := Encode([]json.RawMessage{json.RawMessage(`{"id":1,"text":"a","done":false}`)}, 2)
	if err != nil {
		t.Fatal(err)
	}
	data := []struct {
		name    string
		input   []byte
		wantErr bool
	}{
		{"current format", valid, false},
		{"extra record fields allowed", []byte(`{"records":[{"id":1,"custom":"x"}]}`), false},
		{"legacy rejected", []byte(`[{"id":1}]`), true},
		{"zero id rejected", []byte(`{"records":[{"id":0}]}`), true},
		{"missing records rejected", []byte(`{"next_id":1}`), true},
	}
	for _, line := range data {
		t.Run(line.name, func(t *testing.T) {
			err := CheckSchema("data.json", line.input)
			if line.wantErr && err == nil {
				t.Fatal("expected an error")
			}
			if !line.wantErr && err != nil {
				t.Fatal(err)
			}
		})
	}
}
