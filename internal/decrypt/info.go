package decrypt

import (
	"io"

	"github.com/oriole-labs/wxvault/internal/decrypt/common"
	"github.com/oriole-labs/wxvault/internal/errors"
)

// Info describes a database file's shape without requiring a key.
type Info struct {
	FileSize   int64
	TotalPages int64
	PageSize   int
	Salt       [common.SaltSize]byte
	Encrypted  bool
}

// GetDatabaseInfo reads page 0 of r and reports the file's size, page
// count, salt, and whether it appears encrypted (its first 16 bytes
// differ from the SQLite magic). It does not require a key.
func GetDatabaseInfo(r io.ReaderAt, size int64) (Info, error) {
	if size < common.PageSize {
		return Info{}, errors.ErrEmptyInput
	}

	firstPage := make([]byte, common.PageSize)
	if _, err := r.ReadAt(firstPage, 0); err != nil {
		return Info{}, errors.ReadFileFailed("", err)
	}

	info := Info{
		FileSize:   size,
		TotalPages: size / common.PageSize,
		PageSize:   common.PageSize,
		Encrypted:  string(firstPage[:len(common.SQLiteHeader)]) != common.SQLiteHeader,
	}
	copy(info.Salt[:], firstPage[:common.SaltSize])

	return info, nil
}
