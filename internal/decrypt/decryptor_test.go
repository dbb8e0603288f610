package decrypt

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha512"
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/oriole-labs/wxvault/internal/decrypt/common"
	"github.com/oriole-labs/wxvault/internal/errors"
)

// buildEncryptedDB fabricates an on-disk encrypted database of
// numPages pages, page 0 carrying salt and a fixed plaintext payload in
// place of the real SQLite header (it is patched back in by Decrypt).
func buildEncryptedDB(t *testing.T, masterKey []byte, numPages int) []byte {
	t.Helper()

	salt := bytes.Repeat([]byte{0x5A}, common.SaltSize)
	encKey, macKey, err := common.Derive(masterKey, salt)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}

	buf := make([]byte, 0, numPages*common.PageSize)
	for page := 0; page < numPages; page++ {
		prefix := 0
		plain := bytes.Repeat([]byte{byte(page + 1)}, common.PageSize-common.Reserve)
		if page == 0 {
			prefix = common.SaltSize
			plain = bytes.Repeat([]byte{byte(page + 1)}, common.PageSize-common.Reserve-common.SaltSize)
		}

		iv := bytes.Repeat([]byte{0x22}, common.IVSize)
		block, err := aes.NewCipher(encKey)
		if err != nil {
			t.Fatalf("aes.NewCipher: %v", err)
		}
		ciphertext := make([]byte, len(plain))
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, plain)

		pageBuf := make([]byte, common.PageSize)
		if page == 0 {
			copy(pageBuf[:common.SaltSize], salt)
		}
		ivOffset := common.PageSize - common.Reserve
		macOffset := ivOffset + common.IVSize
		copy(pageBuf[prefix:ivOffset], ciphertext)
		copy(pageBuf[ivOffset:macOffset], iv)

		mac := hmac.New(sha512.New, macKey)
		mac.Write(pageBuf[prefix:macOffset])
		pageNo := make([]byte, 4)
		binary.LittleEndian.PutUint32(pageNo, uint32(page+1))
		mac.Write(pageNo)
		copy(pageBuf[macOffset:], mac.Sum(nil))

		buf = append(buf, pageBuf...)
	}
	return buf
}

func TestOpenAndValidateKey(t *testing.T) {
	masterKey := bytes.Repeat([]byte{0x01}, common.KeySize)
	hexKey := hex.EncodeToString(masterKey)
	db := buildEncryptedDB(t, masterKey, 3)

	if !ValidateKey(db[:common.PageSize], hexKey) {
		t.Fatalf("ValidateKey = false, want true")
	}

	wrongKey := hex.EncodeToString(bytes.Repeat([]byte{0x99}, common.KeySize))
	if ValidateKey(db[:common.PageSize], wrongKey) {
		t.Fatalf("ValidateKey = true for wrong key, want false")
	}
}

func TestOpenRejectsAlreadyDecrypted(t *testing.T) {
	firstPage := make([]byte, common.PageSize)
	copy(firstPage, common.SQLiteHeader)

	_, err := Open(hex.EncodeToString(bytes.Repeat([]byte{0x01}, common.KeySize)), firstPage)
	if errors.GetType(err) != errors.TypeInvalidInput {
		t.Fatalf("expected invalid_input for already-decrypted file, got %v", err)
	}
}

func TestDecryptRoundTrip(t *testing.T) {
	masterKey := bytes.Repeat([]byte{0x02}, common.KeySize)
	hexKey := hex.EncodeToString(masterKey)
	db := buildEncryptedDB(t, masterKey, 4)

	s, err := Open(hexKey, db[:common.PageSize])
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	var out bytes.Buffer
	var calls []uint32
	err = s.Decrypt(context.Background(), bytes.NewReader(db), &out, 4, func(cur, total uint32) {
		calls = append(calls, cur)
	})
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}

	if !bytes.HasPrefix(out.Bytes(), []byte(common.SQLiteHeader)) {
		t.Fatalf("decrypted output missing SQLite header")
	}
	if out.Len() != 4*common.PageSize {
		t.Fatalf("output length = %d, want %d", out.Len(), 4*common.PageSize)
	}
	if len(calls) != 4 {
		t.Fatalf("progress called %d times, want 4", len(calls))
	}
}

func TestDecryptZeroPagePassthrough(t *testing.T) {
	masterKey := bytes.Repeat([]byte{0x03}, common.KeySize)
	hexKey := hex.EncodeToString(masterKey)
	db := buildEncryptedDB(t, masterKey, 2)

	zeroPage := make([]byte, common.PageSize)
	db = append(db, zeroPage...)

	s, err := Open(hexKey, db[:common.PageSize])
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	var out bytes.Buffer
	if err := s.Decrypt(context.Background(), bytes.NewReader(db), &out, 3, nil); err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if out.Len() != 3*common.PageSize {
		t.Fatalf("output length = %d, want %d", out.Len(), 3*common.PageSize)
	}
	if !bytes.Equal(out.Bytes()[2*common.PageSize:], zeroPage) {
		t.Fatalf("trailing zero page was not copied through unmodified")
	}
}

func TestDecryptNonPageAlignedTail(t *testing.T) {
	masterKey := bytes.Repeat([]byte{0x04}, common.KeySize)
	hexKey := hex.EncodeToString(masterKey)
	db := buildEncryptedDB(t, masterKey, 2)
	db = append(db, []byte{0x01, 0x02, 0x03}...)

	s, err := Open(hexKey, db[:common.PageSize])
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	var out bytes.Buffer
	if err := s.Decrypt(context.Background(), bytes.NewReader(db), &out, 2, nil); err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if out.Len() != 2*common.PageSize+3 {
		t.Fatalf("output length = %d, want %d", out.Len(), 2*common.PageSize+3)
	}
}

func TestDecryptCanceled(t *testing.T) {
	masterKey := bytes.Repeat([]byte{0x05}, common.KeySize)
	hexKey := hex.EncodeToString(masterKey)
	db := buildEncryptedDB(t, masterKey, 2)

	s, err := Open(hexKey, db[:common.PageSize])
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	err = s.Decrypt(ctx, bytes.NewReader(db), &out, 2, nil)
	if errors.GetType(err) != errors.TypeInvalidInput {
		t.Fatalf("expected canceled error, got %v", err)
	}
}

func TestCloseZeroesKeys(t *testing.T) {
	masterKey := bytes.Repeat([]byte{0x06}, common.KeySize)
	hexKey := hex.EncodeToString(masterKey)
	db := buildEncryptedDB(t, masterKey, 1)

	s, err := Open(hexKey, db[:common.PageSize])
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Close()

	for _, b := range s.encKey {
		if b != 0 {
			t.Fatalf("encKey not zeroed after Close")
		}
	}
	for _, b := range s.macKey {
		if b != 0 {
			t.Fatalf("macKey not zeroed after Close")
		}
	}

	// Close must be idempotent.
	s.Close()
}

func TestGetDatabaseInfo(t *testing.T) {
	masterKey := bytes.Repeat([]byte{0x07}, common.KeySize)
	db := buildEncryptedDB(t, masterKey, 5)

	f, err := os.CreateTemp(t.TempDir(), "db")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer f.Close()
	if _, err := f.Write(db); err != nil {
		t.Fatalf("Write: %v", err)
	}

	fi, err := f.Stat()
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}

	info, err := GetDatabaseInfo(f, fi.Size())
	if err != nil {
		t.Fatalf("GetDatabaseInfo: %v", err)
	}
	if info.TotalPages != 5 {
		t.Fatalf("TotalPages = %d, want 5", info.TotalPages)
	}
	if !info.Encrypted {
		t.Fatalf("Encrypted = false, want true")
	}
	if !bytes.Equal(info.Salt[:], bytes.Repeat([]byte{0x5A}, common.SaltSize)) {
		t.Fatalf("Salt mismatch")
	}
}

// emptySQLiteHeader is the standard 100-byte header of a freshly
// created, empty SQLite database: 4096-byte pages, one page, schema
// format 4, UTF-8 encoding. Everything past byte 100 on page 1 is the
// table b-tree page header for an empty leaf page.
func emptySQLiteHeader() []byte {
	h := make([]byte, 100)
	copy(h, common.SQLiteHeader)
	binary.BigEndian.PutUint16(h[16:18], 4096) // page size
	h[18] = 1                                  // file format write version
	h[19] = 1                                  // file format read version
	h[21] = 64                                 // max embedded payload fraction
	h[22] = 32                                 // min embedded payload fraction
	h[23] = 32                                 // leaf payload fraction
	binary.BigEndian.PutUint32(h[24:28], 1)    // file change counter
	binary.BigEndian.PutUint32(h[28:32], 1)    // size of db in pages
	binary.BigEndian.PutUint32(h[44:48], 4)    // schema format number
	binary.BigEndian.PutUint32(h[56:60], 1)    // text encoding (UTF-8)
	binary.BigEndian.PutUint32(h[92:96], 1)    // version-valid-for
	binary.BigEndian.PutUint32(h[96:100], 3045000)
	return h
}

// TestDecryptedOutputIsValidSQLite builds an encrypted single-page
// database whose plaintext is a real empty-SQLite-file page, decrypts
// it with Session.Decrypt, and opens the result through the registered
// mattn/go-sqlite3 driver — exercising the one place this core's output
// is parsed as real SQLite rather than asserted on as raw bytes.
func TestDecryptedOutputIsValidSQLite(t *testing.T) {
	masterKey := bytes.Repeat([]byte{0x08}, common.KeySize)
	hexKey := hex.EncodeToString(masterKey)
	salt := bytes.Repeat([]byte{0x5A}, common.SaltSize)

	sqlitePage := make([]byte, common.PageSize-common.Reserve)
	copy(sqlitePage, emptySQLiteHeader())
	sqlitePage[100] = 0x0D // leaf table b-tree page
	binary.BigEndian.PutUint16(sqlitePage[105:107], 4096)
	// The salt occupies the magic's 16 bytes on disk; only the rest of
	// the page is encrypted, and Decrypt writes the magic back in front.
	page1 := sqlitePage[common.SaltSize:]

	encKey, macKey, err := common.Derive(masterKey, salt)
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}

	iv := bytes.Repeat([]byte{0x33}, common.IVSize)
	block, err := aes.NewCipher(encKey)
	if err != nil {
		t.Fatalf("aes.NewCipher: %v", err)
	}
	ciphertext := make([]byte, len(page1))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, page1)

	pageBuf := make([]byte, common.PageSize)
	copy(pageBuf[:common.SaltSize], salt)
	ivOffset := common.PageSize - common.Reserve
	macOffset := ivOffset + common.IVSize
	copy(pageBuf[common.SaltSize:ivOffset], ciphertext)
	copy(pageBuf[ivOffset:macOffset], iv)

	mac := hmac.New(sha512.New, macKey)
	mac.Write(pageBuf[common.SaltSize:macOffset])
	mac.Write([]byte{1, 0, 0, 0})
	copy(pageBuf[macOffset:], mac.Sum(nil))

	s, err := Open(hexKey, pageBuf)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	var out bytes.Buffer
	if err := s.Decrypt(context.Background(), bytes.NewReader(pageBuf), &out, 1, nil); err != nil {
		t.Fatalf("Decrypt: %v", err)
	}

	dbPath := filepath.Join(t.TempDir(), "out.db")
	if err := os.WriteFile(dbPath, out.Bytes(), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	conn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer conn.Close()

	var count int
	if err := conn.QueryRow("SELECT count(*) FROM sqlite_master").Scan(&count); err != nil {
		t.Fatalf("query against decrypted database failed: %v", err)
	}
	if count != 0 {
		t.Fatalf("sqlite_master count = %d, want 0", count)
	}
}
