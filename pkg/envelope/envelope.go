// Package envelope implements the fabric's typed message envelope and
// its wire codec: header layout, flag bitset, type registry, and the
// optional compression/encryption transforms described in spec.md §3.2
// and §6.2.
package envelope

import (
	"fmt"

	"github.com/google/uuid"
)

// Flags is the envelope header flag bitset (spec.md §3.2).
type Flags uint16

const (
	FlagOpenSession    Flags = 1 << 0
	FlagServerSession  Flags = 1 << 1
	FlagKeepSessionID  Flags = 1 << 2
	FlagReceiptRequest Flags = 1 << 3
	FlagBroadcast      Flags = 1 << 4
	// FlagClosestRoute is a reserved future-proofing hint (spec.md §9 Open
	// Question): forwarding already prefers the lowest-distance logical
	// route by default, so this flag only needs to round-trip on the wire.
	FlagClosestRoute Flags = 1 << 5
	FlagNotReceipt   Flags = 1 << 6
	FlagCompressed   Flags = 1 << 7
	FlagEncrypted    Flags = 1 << 8
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// TypeID is a stable 4-byte message type tag.
type TypeID uint32

// Reserved control-message type tags (spec.md §6.3).
const (
	TypeRouterAdvertise TypeID = 0x0001
	TypeRouterStop      TypeID = 0x0002
	TypeDeadRouter      TypeID = 0x0003
	TypeSessionKeepAlive TypeID = 0x0004
	TypeReceipt          TypeID = 0x0005
	TypeClusterStatus     TypeID = 0x0006
	TypeElectionCall      TypeID = 0x0007
	TypeMasterBroadcast   TypeID = 0x0008
	TypeSlaveStatus       TypeID = 0x0009
	// TypeUserBase is the first type tag available for application messages.
	TypeUserBase TypeID = 0x1000
)

// Envelope is the fabric's message wrapper, carried over every channel.
type Envelope struct {
	TypeID     TypeID
	TypeName   string
	Flags      Flags
	FromEP     string
	ToEP       string
	SessionID  uuid.UUID
	HopCount   uint8
	TTL        uint8
	ExpireMillis int64 // absolute, milliseconds since epoch; 0 = no expiry
	Body       []byte
}

// Sentinel errors for registration-time and decode-time failures.
var (
	ErrDuplicateType = fmt.Errorf("duplicate message type registration")
	ErrUnknownType   = fmt.Errorf("unknown message type tag")
)

// NewQuery builds an envelope with a freshly assigned session ID and the
// OpenSession flag set, as used by the session layer's Query operation.
func NewQuery(typeID TypeID, typeName, fromEP, toEP string, ttl uint8, body []byte) Envelope {
	return Envelope{
		TypeID:    typeID,
		TypeName:  typeName,
		Flags:     FlagOpenSession,
		FromEP:    fromEP,
		ToEP:      toEP,
		SessionID: uuid.New(),
		TTL:       ttl,
		Body:      body,
	}
}

// DecrementTTL increments the hop count and decrements the TTL for one
// forwarding hop.
// Returns false if TTL has reached zero and the envelope must be dropped
// (spec.md §4.5 step 6).
func (e *Envelope) DecrementTTL() bool {
	if e.TTL == 0 {
		return false
	}
	e.TTL--
	e.HopCount++
	return e.TTL > 0
}
