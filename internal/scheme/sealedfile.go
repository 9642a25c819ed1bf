package scheme

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
)

// On-disk record used by the key store and the file vault:
// [magic u32][version u16][flags u16][length u32][crc32 u32][payload ...]
// payload is the raw body, or nonce(12B)||ciphertext when flagSealed is set.
// Writes are atomic (tmp + fsync + rename) and keep the previous file as .bak.
const (
	fileVersion uint16 = 1
	flagSealed  uint16 = 1 << 0
	headerLen          = 4 + 2 + 2 + 4 + 4
)

var errBadFile = errors.New("bad record file")

func writeRecord(path string, magic uint32, body []byte, aead cipher.AEAD) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil { return err }
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil { return err }

	flags := uint16(0)
	if aead != nil {
		nonce := make([]byte, 12)
		if _, err := rand.Read(nonce); err != nil { _ = f.Close(); return err }
		sealed := aead.Seal(nil, nonce, body, nil)
		body = append(nonce, sealed...)
		flags |= flagSealed
	}
	var hdr [headerLen]byte
	off := 0
	binary.BigEndian.PutUint32(hdr[off:], magic); off += 4
	binary.BigEndian.PutUint16(hdr[off:], fileVersion); off += 2
	binary.BigEndian.PutUint16(hdr[off:], flags); off += 2
	binary.BigEndian.PutUint32(hdr[off:], uint32(len(body))); off += 4
	binary.BigEndian.PutUint32(hdr[off:], crc32.ChecksumIEEE(body))

	if _, err = f.Write(hdr[:]); err != nil { _ = f.Close(); return err }
	if _, err = f.Write(body); err != nil { _ = f.Close(); return err }
	if err = f.Sync(); err != nil { _ = f.Close(); return err }
	if err = f.Close(); err != nil { return err }

	if _, err := os.Stat(path); err == nil { _ = os.Rename(path, path+".bak") }
	if err = os.Rename(tmp, path); err != nil { return err }
	if d, err2 := os.Open(dir); err2 == nil { _ = d.Sync(); _ = d.Close() }
	return nil
}

func readRecord(path string, magic uint32, aead cipher.AEAD) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil { return nil, err }
	defer f.Close()
	var hdr [headerLen]byte
	if _, err = io.ReadFull(f, hdr[:]); err != nil { return nil, errBadFile }
	off := 0
	if binary.BigEndian.Uint32(hdr[off:]) != magic { return nil, errBadFile }
	off += 4 + 2
	flags := binary.BigEndian.Uint16(hdr[off:]); off += 2
	length := binary.BigEndian.Uint32(hdr[off:]); off += 4
	want := binary.BigEndian.Uint32(hdr[off:])
	if length == 0 { return nil, errBadFile }
	body := make([]byte, int(length))
	if _, err = io.ReadFull(f, body); err != nil { return nil, errBadFile }
	if crc32.ChecksumIEEE(body) != want { return nil, errBadFile }
	if flags&flagSealed == 0 { return body, nil }
	if aead == nil { return nil, errors.New("record is sealed but no key configured") }
	if len(body) < 12 { return nil, errBadFile }
	return aead.Open(nil, body[:12], body[12:], nil)
}
