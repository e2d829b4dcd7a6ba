package ingest

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"peerflow/internal/types"
)

// fakeStore is an in-memory ObjectStore.
type fakeStore struct {
	objects map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string][]byte)}
}

func (s *fakeStore) locator(bucket, key string) string {
	return bucket + "/" + key
}

func (s *fakeStore) put(bucket, key string, data []byte) {
	s.objects[s.locator(bucket, key)] = data
}

func (s *fakeStore) Get(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	data, ok := s.objects[s.locator(bucket, key)]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeUpstreamStorage,
			fmt.Sprintf("no such object %s/%s", bucket, key), nil)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *fakeStore) Put(_ context.Context, bucket, key string, body io.Reader) (types.ObjectRef, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return types.ObjectRef{}, err
	}
	s.put(bucket, key, data)
	return types.ObjectRef{Key: key}, nil
}

func (s *fakeStore) Copy(_ context.Context, srcBucket, srcKey, dstBucket, dstKey string) (types.ObjectRef, error) {
	data, ok := s.objects[s.locator(srcBucket, srcKey)]
	if !ok {
		return types.ObjectRef{}, types.NewAppError(types.ErrCodeUpstreamStorage,
			fmt.Sprintf("no such object %s/%s", srcBucket, srcKey), nil)
	}
	s.put(dstBucket, dstKey, data)
	return types.ObjectRef{Key: dstKey}, nil
}

func (s *fakeStore) keysIn(bucket string) []string {
	var keys []string
	prefix := bucket + "/"
	for locator := range s.objects {
		if bytes.HasPrefix([]byte(locator), []byte(prefix)) {
			keys = append(keys, locator[len(prefix):])
		}
	}
	sort.Strings(keys)
	return keys
}

// fakeSecrets is a fixed-value SecretSource.
type fakeSecrets struct {
	values map[string]string
	err    error
}

func (s *fakeSecrets) Fetch(_ context.Context, secretID string) (types.SecretString, error) {
	if s.err != nil {
		return "", s.err
	}
	return types.SecretString(s.values[secretID]), nil
}

func newTestProcessor(store *fakeStore, sec SecretSource) *Processor {
	if sec == nil {
		sec = &fakeSecrets{}
	}
	return NewProcessor(store, sec, "incoming-bucket", nil, nil)
}

func buildZip(t *testing.T, members map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range members {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestProcessUnzipsArchiveNextToSource(t *testing.T) {
	store := newFakeStore()
	store.put("upload", "bank1/2023/reports.zip", buildZip(t, map[string]string{
		"alpha.csv": "a,b\n1,2\n",
		"beta.csv":  "c,d\n3,4\n",
	}))

	p := newTestProcessor(store, nil)
	result, err := p.Process(context.Background(), "upload", "bank1/2023/reports.zip", time.Now())
	require.NoError(t, err)

	assert.Equal(t, ActionUnzipped, result.Action)
	require.Len(t, result.Items, 2)

	data, ok := store.objects["upload/bank1/2023/reports__alpha.csv"]
	require.True(t, ok)
	assert.Equal(t, "a,b\n1,2\n", string(data))
	_, ok = store.objects["upload/bank1/2023/reports__beta.csv"]
	assert.True(t, ok)
}

func TestProcessUnzipSkipsMaliciousMembers(t *testing.T) {
	store := newFakeStore()
	store.put("upload", "bank1/archive.zip", buildZip(t, map[string]string{
		"../../../etc/passwd": "root",
		"safe.txt":            "fine",
	}))

	p := newTestProcessor(store, nil)
	result, err := p.Process(context.Background(), "upload", "bank1/archive.zip", time.Now())
	require.NoError(t, err)

	require.Len(t, result.Items, 1)
	assert.Equal(t, "bank1/archive__safe.txt", result.Items[0].Key)
}

func TestProcessUnzipCorruptArchiveIsTerminal(t *testing.T) {
	store := newFakeStore()
	store.put("upload", "bank1/broken.zip", []byte("definitely not a zip"))

	p := newTestProcessor(store, nil)
	_, err := p.Process(context.Background(), "upload", "bank1/broken.zip", time.Now())
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalBadArchive, appErr.Code)
}

func TestProcessCopiesPlainFileIntoIncoming(t *testing.T) {
	store := newFakeStore()
	store.put("upload", "bank1/2023/statement.csv", []byte("a,b\n"))

	p := newTestProcessor(store, nil)
	created := time.Date(2023, 9, 27, 11, 0, 18, 0, time.UTC)
	result, err := p.Process(context.Background(), "upload", "bank1/2023/statement.csv", created)
	require.NoError(t, err)

	assert.Equal(t, ActionCopied, result.Action)
	require.Len(t, result.Items, 1)
	assert.Equal(t, "bank1/2023/statement.csv", result.Items[0].Key)

	data, ok := store.objects["incoming-bucket/bank1/2023/statement.csv"]
	require.True(t, ok)
	assert.Equal(t, "a,b\n", string(data))
}

func TestProcessCopyUsesCreationYear(t *testing.T) {
	store := newFakeStore()
	store.put("upload", "bank1/deep/nested/statement.txt", []byte("x"))

	p := newTestProcessor(store, nil)
	created := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	result, err := p.Process(context.Background(), "upload", "bank1/deep/nested/statement.txt", created)
	require.NoError(t, err)

	assert.Equal(t, "bank1/2024/statement.txt", result.Items[0].Key)
	_, ok := store.objects["incoming-bucket/bank1/2024/statement.txt"]
	assert.True(t, ok)
}

func buildXLSX(t *testing.T, sheets map[string][][]any) []byte {
	t.Helper()
	f := excelize.NewFile()
	first := true
	for name, rows := range sheets {
		if first {
			require.NoError(t, f.SetSheetName("Sheet1", name))
			first = false
		} else {
			_, err := f.NewSheet(name)
			require.NoError(t, err)
		}
		for i, row := range rows {
			cell, err := excelize.CoordinatesToCellName(1, i+1)
			require.NoError(t, err)
			require.NoError(t, f.SetSheetRow(name, cell, &row))
		}
	}
	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))
	require.NoError(t, f.Close())
	return buf.Bytes()
}

func TestProcessConvertsSpreadsheetSheetsToCSV(t *testing.T) {
	store := newFakeStore()
	store.put("upload", "bank1/2023/report.xlsx", buildXLSX(t, map[string][][]any{
		"Summary": {
			{"name", "amount"},
			{"alice", "100"},
		},
	}))

	p := newTestProcessor(store, nil)
	result, err := p.Process(context.Background(), "upload", "bank1/2023/report.xlsx", time.Now())
	require.NoError(t, err)

	assert.Equal(t, ActionConverted, result.Action)
	require.Len(t, result.Items, 1)
	assert.Equal(t, "bank1/2023/report_sheet0_Summary.csv", result.Items[0].Key)

	data := store.objects["upload/bank1/2023/report_sheet0_Summary.csv"]
	assert.Equal(t, "\"name\",\"amount\"\n\"alice\",\"100\"\n", string(data))
}

func TestProcessConvertUnreadableSpreadsheetFails(t *testing.T) {
	store := newFakeStore()
	store.put("upload", "bank1/report.xlsx", []byte("not a workbook"))

	p := newTestProcessor(store, nil)
	_, err := p.Process(context.Background(), "upload", "bank1/report.xlsx", time.Now())
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalUnexpected, appErr.Code)
}

func TestEncodeCSVQuotesAndEscapes(t *testing.T) {
	rows := [][]string{
		{"plain", `with "quotes"`, `back\slash`},
		{"multi\nline", ""},
	}

	got := string(encodeCSV(rows))
	want := "\"plain\",\"with \\\"quotes\\\"\",\"back\\\\slash\"\n" +
		"\"multi line\",\"\"\n"
	assert.Equal(t, want, got)
}

// generateTestKey creates an armored PGP private key for decryption tests.
func generateTestKey(t *testing.T) (string, *openpgp.Entity) {
	t.Helper()
	entity, err := openpgp.NewEntity("peerflow test", "", "test@example.com", nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PrivateKeyType, nil)
	require.NoError(t, err)
	require.NoError(t, entity.SerializePrivate(w, nil))
	require.NoError(t, w.Close())

	return buf.String(), entity
}

func encryptToEntity(t *testing.T, entity *openpgp.Entity, plaintext string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := openpgp.Encrypt(&buf, []*openpgp.Entity{entity}, nil, nil, nil)
	require.NoError(t, err)
	_, err = w.Write([]byte(plaintext))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestProcessDecryptsEncryptedObject(t *testing.T) {
	armoredKey, entity := generateTestKey(t)

	store := newFakeStore()
	store.put("upload", "bank1/2023/statement.csv.gpg", encryptToEntity(t, entity, "a,b\n1,2\n"))

	sec := &fakeSecrets{values: map[string]string{
		"/aws/reference/secretsmanager/lambda/on_upload/pgp/bank1": armoredKey,
	}}

	p := newTestProcessor(store, sec)
	result, err := p.Process(context.Background(), "upload", "bank1/2023/statement.csv.gpg", time.Now())
	require.NoError(t, err)

	assert.Equal(t, ActionDecrypted, result.Action)
	require.Len(t, result.Items, 1)
	assert.Equal(t, "bank1/2023/statement.csv", result.Items[0].Key)

	data := store.objects["upload/bank1/2023/statement.csv"]
	assert.Equal(t, "a,b\n1,2\n", string(data))
}

func TestProcessDecryptMissingKeyIsConfigError(t *testing.T) {
	store := newFakeStore()
	store.put("upload", "bank1/file.pgp", []byte("cipher"))

	sec := &fakeSecrets{values: map[string]string{}}

	p := newTestProcessor(store, sec)
	_, err := p.Process(context.Background(), "upload", "bank1/file.pgp", time.Now())
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeConfigSecretMissing, appErr.Code)

	// No object was stored.
	_, ok := store.objects["upload/bank1/file"]
	assert.False(t, ok)
}

func TestProcessDecryptFailureRedactsKey(t *testing.T) {
	armoredKey, _ := generateTestKey(t)

	store := newFakeStore()
	store.put("upload", "bank1/file.gpg", []byte("not actually encrypted"))

	sec := &fakeSecrets{values: map[string]string{
		"/aws/reference/secretsmanager/lambda/on_upload/pgp/bank1": armoredKey,
	}}

	p := newTestProcessor(store, sec)
	_, err := p.Process(context.Background(), "upload", "bank1/file.gpg", time.Now())
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeSecurityDecryptFailure, appErr.Code)
	assert.NotContains(t, appErr.Message, armoredKey)
}

func TestProcessExtensionIsCaseInsensitive(t *testing.T) {
	store := newFakeStore()
	store.put("upload", "bank1/REPORTS.ZIP", buildZip(t, map[string]string{
		"data.csv": "x\n",
	}))

	p := newTestProcessor(store, nil)
	result, err := p.Process(context.Background(), "upload", "bank1/REPORTS.ZIP", time.Now())
	require.NoError(t, err)
	assert.Equal(t, ActionUnzipped, result.Action)
}

func TestPeerIDFromKey(t *testing.T) {
	assert.Equal(t, "bank1", PeerIDFromKey("bank1/2023/file.csv"))
	assert.Equal(t, "bank1", PeerIDFromKey("bank1/file.csv"))
	assert.Equal(t, "orphan", PeerIDFromKey("orphan"))
}
