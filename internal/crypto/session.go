package crypto

import (
	"encoding/binary"
	"errors"
)

const (
	labelKDFMaster = "signalmesh:kdf:v1"
	labelSendKey   = "signalmesh:send:v1"
	labelRecvKey   = "signalmesh:recv:v1"
	labelNonceSend = "signalmesh:ns:send:v1"
	labelNonceRecv = "signalmesh:ns:recv:v1"
)

// SessionKeys are named from the point of view of the lower node id; the
// higher id uses them swapped.
type SessionKeys struct {
	Master        []byte
	SendKey       []byte
	RecvKey       []byte
	NonceBaseSend []byte
	NonceBaseRecv []byte
}

func DeriveSessionKeys(ss, transcript []byte) (SessionKeys, error) {
	if len(ss) == 0 || len(transcript) == 0 {
		return SessionKeys{}, errEmptyKey
	}
	master := KDF(labelKDFMaster, ss, transcript)
	return SessionKeys{
		Master:        master,
		SendKey:       KDF(labelSendKey, master),
		RecvKey:       KDF(labelRecvKey, master),
		NonceBaseSend: KDF(labelNonceSend, master)[:XNonceSize],
		NonceBaseRecv: KDF(labelNonceRecv, master)[:XNonceSize],
	}, nil
}

// NonceFromBase XORs a big-endian counter into the low 8 bytes of base.
func NonceFromBase(base []byte, counter uint64) ([]byte, error) {
	if len(base) != XNonceSize {
		return nil, errors.New("bad nonce base size")
	}
	nonce := append([]byte(nil), base...)
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], counter)
	for i, b := range ctr {
		nonce[XNonceSize-8+i] ^= b
	}
	return nonce, nil
}
