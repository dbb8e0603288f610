// Package decrypt implements a streaming database-decryption session:
// key derivation, per-page verification and decryption, and the page-0
// SQLite header patch-up, built on internal/decrypt/common's KDF and
// PageCodec primitives.
package decrypt

import (
	"context"
	"encoding/hex"
	"io"

	"github.com/cespare/xxhash"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/oriole-labs/wxvault/internal/decrypt/common"
	"github.com/oriole-labs/wxvault/internal/errors"
)

// ProgressFunc is called after each page is written, with the current
// 0-based page index and the total page count.
type ProgressFunc func(cur, total uint32)

// Session owns the derived keys for one database file's decryption and
// must be closed to zero them when the caller is done.
type Session struct {
	id     uuid.UUID
	encKey []byte
	macKey []byte
	salt   []byte
	log    zerolog.Logger
	closed bool
}

// Option configures a Session.
type Option func(*Session)

// WithLogger attaches a debug-level tracing logger. The default is a
// no-op logger; the core never logs the errors it returns to the
// caller, only operational detail (a session id, a salt fingerprint).
func WithLogger(log zerolog.Logger) Option {
	return func(s *Session) { s.log = log }
}

// Open decodes hexKey, reads the salt from firstPage, derives the
// session keys, and verifies them against firstPage's MAC — the
// authoritative key check (spec §4.3 step 4). firstPage must be a full
// PageSize-byte read of page 0.
func Open(hexKey string, firstPage []byte, opts ...Option) (*Session, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, errors.InvalidKey("key is not valid hex", err)
	}

	if len(firstPage) < common.PageSize {
		return nil, errors.ErrEmptyInput
	}

	if string(firstPage[:len(common.SQLiteHeader)]) == common.SQLiteHeader {
		return nil, errors.ErrAlreadyDecrypted
	}

	salt := append([]byte(nil), firstPage[:common.SaltSize]...)

	encKey, macKey, err := common.Derive(key, salt)
	if err != nil {
		return nil, err
	}

	if !common.VerifyPageMAC(firstPage, 0, macKey) {
		return nil, errors.ErrIncorrectKey
	}

	s := &Session{
		id:     uuid.New(),
		encKey: encKey,
		macKey: macKey,
		salt:   salt,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	h := xxhash.New()
	h.Write(salt)
	s.log.Debug().
		Str("session", s.id.String()).
		Uint64("salt_fp", h.Sum64()).
		Msg("session opened")

	return s, nil
}

// ValidateKey reports whether hexKey decodes and verifies against
// firstPage's MAC, without opening a session. Used by callers that
// only need a yes/no answer (e.g. a passphrase picker).
func ValidateKey(firstPage []byte, hexKey string) bool {
	s, err := Open(hexKey, firstPage)
	if err != nil {
		return false
	}
	s.Close()
	return true
}

// Decrypt streams every page of r into w: page 0's salt prefix is
// replaced by the SQLite magic, zero pages are copied through
// unmodified, and every other page is MAC-verified and AES-256-CBC
// decrypted. progress, if non-nil, is called after every page.
func (s *Session) Decrypt(ctx context.Context, r io.Reader, w io.Writer, totalPages uint32, progress ProgressFunc) error {
	if s.closed {
		return errors.InvalidInput("session is closed", nil)
	}

	pageBuf := make([]byte, common.PageSize)

	for cur := uint32(0); ; cur++ {
		select {
		case <-ctx.Done():
			return errors.ErrOperationCanceled
		default:
		}

		n, err := io.ReadFull(r, pageBuf)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if err == io.ErrUnexpectedEOF {
				if _, werr := w.Write(pageBuf[:n]); werr != nil {
					return errors.WriteOutputFailed(werr)
				}
				return nil
			}
			return errors.ReadFileFailed("", err)
		}

		if isAllZero(pageBuf) {
			if _, err := w.Write(pageBuf); err != nil {
				return errors.WriteOutputFailed(err)
			}
			if progress != nil {
				progress(cur, totalPages)
			}
			continue
		}

		decrypted, err := common.DecryptPage(pageBuf, cur, s.encKey, s.macKey)
		if err != nil {
			return err
		}

		if cur == 0 {
			if _, err := io.WriteString(w, common.SQLiteHeader); err != nil {
				return errors.WriteOutputFailed(err)
			}
		}

		if _, err := w.Write(decrypted); err != nil {
			return errors.WriteOutputFailed(err)
		}

		if progress != nil {
			progress(cur, totalPages)
		}
	}
}

// Close zeroes the session's derived key material. Safe to call more
// than once.
func (s *Session) Close() {
	if s.closed {
		return
	}
	zero(s.encKey)
	zero(s.macKey)
	s.closed = true
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func isAllZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
