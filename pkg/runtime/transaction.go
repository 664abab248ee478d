package runtime

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/fortiblox/yeet-at/internal/types"
	"github.com/fortiblox/yeet-at/pkg/svm"
)

// Transaction limits.
const (
	// PacketSize bounds the serialized size of a transaction.
	PacketSize = 1232

	// MaxInstructionAccounts bounds the accounts one instruction may list.
	MaxInstructionAccounts = 64
)

// MessageHeader describes the account types in a message.
//
// AccountKeys are ordered: writable signers, read-only signers, writable
// non-signers, read-only non-signers.
type MessageHeader struct {
	NumRequiredSignatures       uint8
	NumReadonlySignedAccounts   uint8
	NumReadonlyUnsignedAccounts uint8
}

// CompiledInstruction is an instruction whose accounts are indexes into
// the message's AccountKeys.
type CompiledInstruction struct {
	ProgramIDIndex uint8
	Accounts       []uint8
	Data           []byte
}

// Message is the signed content of a transaction.
type Message struct {
	Header          MessageHeader
	AccountKeys     []types.Pubkey
	RecentBlockhash types.Hash
	Instructions    []CompiledInstruction
}

// Transaction is a signed message.
type Transaction struct {
	Signatures []types.Signature
	Message    Message
}

// keyMeta accumulates the flags of one key while compiling.
type keyMeta struct {
	key      types.Pubkey
	signer   bool
	writable bool
}

// NewMessage compiles instructions into a message paid for by payer.
func NewMessage(payer types.Pubkey, blockhash types.Hash, instructions ...svm.Instruction) (Message, error) {
	var metas []*keyMeta
	index := make(map[types.Pubkey]*keyMeta)
	add := func(k types.Pubkey, signer, writable bool) {
		m, ok := index[k]
		if !ok {
			m = &keyMeta{key: k}
			index[k] = m
			metas = append(metas, m)
		}
		m.signer = m.signer || signer
		m.writable = m.writable || writable
	}

	add(payer, true, true)
	for _, ix := range instructions {
		for _, a := range ix.Accounts {
			add(a.Pubkey, a.IsSigner, a.IsWritable)
		}
		add(ix.ProgramID, false, false)
	}
	if len(metas) > 256 {
		return Message{}, fmt.Errorf("%w: %d account keys", ErrSanitizeFailure, len(metas))
	}

	// Stable partition into the four header groups; payer stays first.
	var ordered []*keyMeta
	for _, group := range []struct{ signer, writable bool }{
		{true, true}, {true, false}, {false, true}, {false, false},
	} {
		for _, m := range metas {
			if m.signer == group.signer && m.writable == group.writable {
				ordered = append(ordered, m)
			}
		}
	}

	msg := Message{RecentBlockhash: blockhash}
	position := make(map[types.Pubkey]uint8, len(ordered))
	for i, m := range ordered {
		position[m.key] = uint8(i)
		msg.AccountKeys = append(msg.AccountKeys, m.key)
		switch {
		case m.signer:
			msg.Header.NumRequiredSignatures++
			if !m.writable {
				msg.Header.NumReadonlySignedAccounts++
			}
		case !m.writable:
			msg.Header.NumReadonlyUnsignedAccounts++
		}
	}

	for _, ix := range instructions {
		ci := CompiledInstruction{
			ProgramIDIndex: position[ix.ProgramID],
			Accounts:       make([]uint8, len(ix.Accounts)),
			Data:           append([]byte(nil), ix.Data...),
		}
		for i, a := range ix.Accounts {
			ci.Accounts[i] = position[a.Pubkey]
		}
		msg.Instructions = append(msg.Instructions, ci)
	}
	return msg, nil
}

// FeePayer returns the first account key.
func (m *Message) FeePayer() types.Pubkey {
	if len(m.AccountKeys) == 0 {
		return types.Pubkey{}
	}
	return m.AccountKeys[0]
}

// IsSigner reports whether the key at index must sign.
func (m *Message) IsSigner(index int) bool {
	return index < int(m.Header.NumRequiredSignatures)
}

// IsWritable reports whether the key at index may be modified.
func (m *Message) IsWritable(index int) bool {
	numSigners := int(m.Header.NumRequiredSignatures)
	if index < numSigners {
		return index < numSigners-int(m.Header.NumReadonlySignedAccounts)
	}
	numWritableUnsigned := len(m.AccountKeys) - numSigners - int(m.Header.NumReadonlyUnsignedAccounts)
	return index-numSigners < numWritableUnsigned
}

// Signers returns the keys that must sign, fee payer first.
func (m *Message) Signers() []types.Pubkey {
	n := int(m.Header.NumRequiredSignatures)
	if n > len(m.AccountKeys) {
		n = len(m.AccountKeys)
	}
	return m.AccountKeys[:n]
}

// Sanitize checks the message's internal consistency.
func (m *Message) Sanitize() error {
	h := m.Header
	nkeys := len(m.AccountKeys)
	switch {
	case h.NumRequiredSignatures == 0:
		return fmt.Errorf("%w: no signers", ErrSanitizeFailure)
	case h.NumReadonlySignedAccounts >= h.NumRequiredSignatures:
		return fmt.Errorf("%w: fee payer must be writable", ErrSanitizeFailure)
	case int(h.NumRequiredSignatures)+int(h.NumReadonlyUnsignedAccounts) > nkeys:
		return fmt.Errorf("%w: header exceeds %d account keys", ErrSanitizeFailure, nkeys)
	case len(m.Instructions) == 0:
		return fmt.Errorf("%w: no instructions", ErrSanitizeFailure)
	}

	seen := make(map[types.Pubkey]bool, nkeys)
	for _, k := range m.AccountKeys {
		if seen[k] {
			return fmt.Errorf("%w: duplicate account key %s", ErrSanitizeFailure, k)
		}
		seen[k] = true
	}

	for i, ix := range m.Instructions {
		if ix.ProgramIDIndex == 0 || int(ix.ProgramIDIndex) >= nkeys {
			return fmt.Errorf("%w: instruction %d: bad program index %d", ErrSanitizeFailure, i, ix.ProgramIDIndex)
		}
		if len(ix.Accounts) > MaxInstructionAccounts {
			return fmt.Errorf("%w: instruction %d: %d accounts", ErrSanitizeFailure, i, len(ix.Accounts))
		}
		for _, a := range ix.Accounts {
			if int(a) >= nkeys {
				return fmt.Errorf("%w: instruction %d: bad account index %d", ErrSanitizeFailure, i, a)
			}
		}
	}
	return nil
}

// Serialize encodes the message in the wire format that signatures cover.
func (m *Message) Serialize() []byte {
	var buf bytes.Buffer
	buf.Write([]byte{
		m.Header.NumRequiredSignatures,
		m.Header.NumReadonlySignedAccounts,
		m.Header.NumReadonlyUnsignedAccounts,
	})
	writeShortVec(&buf, len(m.AccountKeys))
	for _, k := range m.AccountKeys {
		buf.Write(k[:])
	}
	buf.Write(m.RecentBlockhash[:])
	writeShortVec(&buf, len(m.Instructions))
	for _, ix := range m.Instructions {
		buf.WriteByte(ix.ProgramIDIndex)
		writeShortVec(&buf, len(ix.Accounts))
		buf.Write(ix.Accounts)
		writeShortVec(&buf, len(ix.Data))
		buf.Write(ix.Data)
	}
	return buf.Bytes()
}

// NewTransaction compiles instructions and signs them with signers. The
// first signer pays.
func NewTransaction(blockhash types.Hash, instructions []svm.Instruction, signers ...*types.Keypair) (*Transaction, error) {
	if len(signers) == 0 {
		return nil, fmt.Errorf("%w: no signers", ErrSanitizeFailure)
	}
	msg, err := NewMessage(signers[0].Pubkey(), blockhash, instructions...)
	if err != nil {
		return nil, err
	}
	tx := &Transaction{Message: msg}
	if err := tx.Sign(signers...); err != nil {
		return nil, err
	}
	return tx, nil
}

// Sign fills in the signature of every required signer. Each required
// signer must be among keypairs.
func (tx *Transaction) Sign(keypairs ...*types.Keypair) error {
	signers := tx.Message.Signers()
	if len(tx.Signatures) != len(signers) {
		tx.Signatures = make([]types.Signature, len(signers))
	}
	data := tx.Message.Serialize()
	for i, k := range signers {
		var found bool
		for _, kp := range keypairs {
			if kp.Pubkey() == k {
				tx.Signatures[i] = kp.Sign(data)
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: no keypair for signer %s", ErrSignatureFailure, k)
		}
	}
	return nil
}

// Verify checks every signature against the serialized message.
func (tx *Transaction) Verify() error {
	signers := tx.Message.Signers()
	if len(tx.Signatures) != len(signers) {
		return fmt.Errorf("%w: %d signatures for %d signers", ErrSignatureFailure, len(tx.Signatures), len(signers))
	}
	data := tx.Message.Serialize()
	for i, k := range signers {
		if !tx.Signatures[i].Verify(k, data) {
			return fmt.Errorf("%w: signer %s", ErrSignatureFailure, k)
		}
	}
	return nil
}

// Signature returns the first signature, which identifies the transaction.
func (tx *Transaction) Signature() types.Signature {
	if len(tx.Signatures) == 0 {
		return types.Signature{}
	}
	return tx.Signatures[0]
}

// Serialize encodes the transaction: signatures then message.
func (tx *Transaction) Serialize() []byte {
	var buf bytes.Buffer
	writeShortVec(&buf, len(tx.Signatures))
	for _, s := range tx.Signatures {
		buf.Write(s[:])
	}
	buf.Write(tx.Message.Serialize())
	return buf.Bytes()
}

// DeserializeTransaction decodes a transaction written by Serialize.
func DeserializeTransaction(data []byte) (*Transaction, error) {
	if len(data) > PacketSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds packet size", ErrSanitizeFailure, len(data))
	}
	r := &wireReader{buf: data}
	tx := &Transaction{}

	n := r.shortVec()
	for i := 0; i < n && r.err == nil; i++ {
		var s types.Signature
		copy(s[:], r.bytes(64))
		tx.Signatures = append(tx.Signatures, s)
	}

	h := r.bytes(3)
	if r.err == nil {
		tx.Message.Header = MessageHeader{h[0], h[1], h[2]}
	}
	n = r.shortVec()
	for i := 0; i < n && r.err == nil; i++ {
		var k types.Pubkey
		copy(k[:], r.bytes(32))
		tx.Message.AccountKeys = append(tx.Message.AccountKeys, k)
	}
	copy(tx.Message.RecentBlockhash[:], r.bytes(32))
	n = r.shortVec()
	for i := 0; i < n && r.err == nil; i++ {
		var ix CompiledInstruction
		if b := r.bytes(1); r.err == nil {
			ix.ProgramIDIndex = b[0]
		}
		ix.Accounts = append([]uint8{}, r.bytes(r.shortVec())...)
		ix.Data = append([]byte{}, r.bytes(r.shortVec())...)
		tx.Message.Instructions = append(tx.Message.Instructions, ix)
	}

	if r.err != nil {
		return nil, r.err
	}
	if r.off != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrSanitizeFailure, len(data)-r.off)
	}
	return tx, nil
}

var errShortBuffer = errors.New("short buffer")

// wireReader decodes the transaction wire format, latching the first error.
type wireReader struct {
	buf []byte
	off int
	err error
}

func (r *wireReader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.err = fmt.Errorf("%w: %v at offset %d", ErrSanitizeFailure, errShortBuffer, r.off)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

// shortVec reads a compact-u16 length.
func (r *wireReader) shortVec() int {
	var v int
	for i := 0; i < 3; i++ {
		b := r.bytes(1)
		if r.err != nil {
			return 0
		}
		v |= int(b[0]&0x7f) << (7 * i)
		if b[0]&0x80 == 0 {
			return v
		}
	}
	r.err = fmt.Errorf("%w: compact-u16 overflow", ErrSanitizeFailure)
	return 0
}

// writeShortVec writes a compact-u16 length.
func writeShortVec(buf *bytes.Buffer, n int) {
	v := uint16(n)
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			buf.WriteByte(b)
			return
		}
		buf.WriteByte(b | 0x80)
	}
}
